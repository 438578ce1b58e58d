package llm

import "testing"

func TestDecodeLenientCodeFence(t *testing.T) {
	answer := "Sure! Here is the result:\n```json\n{\"eventType\": \"regulation\", \"extra\": 1}\n```\nLet me know if you need more."
	var out struct {
		EventType string `json:"eventType"`
	}
	if err := DecodeLenient(answer, &out); err != nil {
		t.Fatalf("DecodeLenient: %v", err)
	}
	if out.EventType != "regulation" {
		t.Errorf("eventType = %q", out.EventType)
	}
}

func TestDecodeLenientEmbeddedObject(t *testing.T) {
	answer := `The entities are {"entities": [{"name": "Fed", "type": "CENTRAL_BANK"}]} as requested.`
	var out struct {
		Entities []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"entities"`
	}
	if err := DecodeLenient(answer, &out); err != nil {
		t.Fatalf("DecodeLenient: %v", err)
	}
	if len(out.Entities) != 1 || out.Entities[0].Name != "Fed" {
		t.Errorf("entities = %+v", out.Entities)
	}
}

func TestDecodeLenientBracesInsideStrings(t *testing.T) {
	answer := `{"topic": "bracket } inside", "score": 0.5}`
	var out struct {
		Topic string  `json:"topic"`
		Score float64 `json:"score"`
	}
	if err := DecodeLenient(answer, &out); err != nil {
		t.Fatalf("DecodeLenient: %v", err)
	}
	if out.Topic != "bracket } inside" || out.Score != 0.5 {
		t.Errorf("out = %+v", out)
	}
}

func TestDecodeLenientNoJSON(t *testing.T) {
	var out map[string]any
	if err := DecodeLenient("I cannot help with that.", &out); err == nil {
		t.Error("expected error for prose-only answer")
	}
}

func TestCanonicalEntityType(t *testing.T) {
	cases := map[string]string{
		"COMPANY":        "ORGANIZATION",
		"city":           "LOCATION",
		"Cryptocurrency": "TOKEN",
		"central bank":   "GOVERNMENT_BODY",
		"regulator":      "GOVERNMENT_BODY",
		"nation":         "COUNTRY",
		"TOKEN":          "TOKEN",
	}
	for in, want := range cases {
		got, ok := CanonicalEntityType(in)
		if !ok || got != want {
			t.Errorf("CanonicalEntityType(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := CanonicalEntityType("SPACESHIP"); ok {
		t.Error("unknown type should not normalize")
	}
}
