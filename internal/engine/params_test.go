package engine

import (
	"testing"

	"github.com/convoflow/convoflow/internal/capability"
)

func schemaParams(names ...string) []capability.Parameter {
	out := make([]capability.Parameter, len(names))
	for i, n := range names {
		out[i] = capability.Parameter{Name: n, Type: "string", Required: true}
	}
	return out
}

func TestExtractEmailAndBody(t *testing.T) {
	got := extractParams("send an email to bob@example.com saying hello there",
		schemaParams("to", "body", "subject"))
	if got["to"] != "bob@example.com" {
		t.Errorf("to = %q", got["to"])
	}
	if got["body"] != "hello there" {
		t.Errorf("body = %q", got["body"])
	}
	if _, ok := got["subject"]; ok {
		t.Errorf("subject = %q, want absent", got["subject"])
	}
}

func TestExtractQuotedSubject(t *testing.T) {
	got := extractParams(`email bob@example.com with subject "Q3 numbers" saying see attached`,
		schemaParams("recipient_email", "subject", "body"))
	if got["recipient_email"] != "bob@example.com" {
		t.Errorf("recipient_email = %q", got["recipient_email"])
	}
	if got["subject"] != "Q3 numbers" {
		t.Errorf("subject = %q", got["subject"])
	}
	if got["body"] != "see attached" {
		t.Errorf("body = %q", got["body"])
	}
}

func TestExtractAboutTopic(t *testing.T) {
	got := extractParams("schedule a meeting about quarterly planning for tomorrow",
		schemaParams("title", "date"))
	if got["title"] != "quarterly planning" {
		t.Errorf("title = %q", got["title"])
	}
	if got["date"] != "tomorrow" {
		t.Errorf("date = %q", got["date"])
	}
}

func TestExtractURL(t *testing.T) {
	got := extractParams("bookmark https://example.com/docs for me",
		schemaParams("url"))
	if got["url"] != "https://example.com/docs" {
		t.Errorf("url = %q", got["url"])
	}
}

func TestExtractTellThem(t *testing.T) {
	got := extractParams("message alice@example.com and tell them the deploy is done",
		schemaParams("to", "message"))
	if got["to"] != "alice@example.com" {
		t.Errorf("to = %q", got["to"])
	}
	if got["message"] != "the deploy is done" {
		t.Errorf("message = %q", got["message"])
	}
}

func TestTokenMatchingIsExact(t *testing.T) {
	// "topic" must not be treated as a recipient field just because it
	// contains "to".
	got := extractParams("post to bob@example.com", schemaParams("topic"))
	if v, ok := got["topic"]; ok && v == "bob@example.com" {
		t.Errorf("topic matched the email heuristic: %q", v)
	}
}

func TestExtractISODate(t *testing.T) {
	got := extractParams("create a task due 2026-09-15", schemaParams("due_date"))
	if got["due_date"] != "2026-09-15" {
		t.Errorf("due_date = %q", got["due_date"])
	}
}
