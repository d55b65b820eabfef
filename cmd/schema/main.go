package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"netherlink/nchs"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schema := buildSchema()

	if err := writeSchema(outPath, schema); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

// wireMessages gathers every payload under one root so a single schema
// document validates captured lobby traffic.
type wireMessages struct {
	JoinRequest  nchs.JoinRequest  `json:"joinRequest"`
	JoinAccept   nchs.JoinAccept   `json:"joinAccept"`
	JoinReject   nchs.JoinReject   `json:"joinReject"`
	LobbyUpdate  nchs.LobbyUpdate  `json:"lobbyUpdate"`
	ReadyChange  nchs.ReadyChange  `json:"readyChange"`
	SessionStart nchs.SessionStart `json:"sessionStart"`
	PunchHello   nchs.PunchHello   `json:"punchHello"`
	PunchAck     nchs.PunchAck     `json:"punchAck"`
	Ping         nchs.Ping         `json:"ping"`
	Pong         nchs.Pong         `json:"pong"`
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(wireMessages))
	schema.Title = "Netherlink Lobby Protocol"
	schema.Description = "Validates the JSON payloads carried inside NCHS datagram frames"
	return schema
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
