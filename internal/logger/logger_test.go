package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWithIdentifierAddsField(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", "json", &buf).WithComponent("portal").WithIdentifier("+255700000001")
	log.Info().Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["identifier"] != "+255700000001" || line["component"] != "portal" {
		t.Fatalf("unexpected fields: %v", line)
	}
}
