package validation

import (
	"strings"
	"testing"

	"branchdb/pkg/models"
)

func validMsg() models.Message {
	return models.Message{
		ID:           "m1",
		Conversation: "c1",
		Role:         models.RoleUser,
		TS:           1,
		Body:         map[string]interface{}{"text": "hello"},
	}
}

func TestValidateMessageIntrinsics(t *testing.T) {
	SetRules(Rules{})
	if err := ValidateMessage(validMsg()); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	m := validMsg()
	m.Body = nil
	if err := ValidateMessage(m); err == nil || !strings.Contains(err.Error(), "body is required") {
		t.Fatalf("expected missing body error, got %v", err)
	}

	m = validMsg()
	m.Role = "robot"
	if err := ValidateMessage(m); err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("expected role error, got %v", err)
	}

	m = validMsg()
	m.ParentID = m.ID
	if err := ValidateMessage(m); err == nil || !strings.Contains(err.Error(), "own parent") {
		t.Fatalf("expected self-parent error, got %v", err)
	}

	m = validMsg()
	m.BranchIndex = -1
	if err := ValidateMessage(m); err == nil || !strings.Contains(err.Error(), "branch_index") {
		t.Fatalf("expected branch index error, got %v", err)
	}
}

func TestValidateMessageConfiguredRules(t *testing.T) {
	SetRules(Rules{
		Required: []string{"body.text"},
		Types:    map[string]string{"body.text": "string"},
		MaxLen:   map[string]int{"body.text": 5},
		Enums:    map[string][]string{"body.kind": {"plain", "code"}},
	})
	defer SetRules(Rules{})

	m := validMsg()
	m.Body = map[string]interface{}{"text": "hi", "kind": "plain"}
	if err := ValidateMessage(m); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	m.Body = map[string]interface{}{"kind": "plain"}
	if err := ValidateMessage(m); err == nil || !strings.Contains(err.Error(), "required path missing") {
		t.Fatalf("expected required path error, got %v", err)
	}

	m.Body = map[string]interface{}{"text": "toolong!", "kind": "plain"}
	if err := ValidateMessage(m); err == nil || !strings.Contains(err.Error(), "max length") {
		t.Fatalf("expected max length error, got %v", err)
	}

	m.Body = map[string]interface{}{"text": "hi", "kind": "weird"}
	if err := ValidateMessage(m); err == nil || !strings.Contains(err.Error(), "invalid enum") {
		t.Fatalf("expected enum error, got %v", err)
	}
}

func TestValidateMessageWhenThen(t *testing.T) {
	SetRules(Rules{
		WhenThen: []WhenThenRule{{WhenPath: "role", Equals: "assistant", ThenReq: []string{"body.model"}}},
	})
	defer SetRules(Rules{})

	m := validMsg()
	m.Role = models.RoleAssistant
	m.Body = map[string]interface{}{"text": "hi"}
	if err := ValidateMessage(m); err == nil || !strings.Contains(err.Error(), "required by rule") {
		t.Fatalf("expected when/then error, got %v", err)
	}
	m.Body = map[string]interface{}{"text": "hi", "model": "gpt"}
	if err := ValidateMessage(m); err != nil {
		t.Fatalf("valid assistant message rejected: %v", err)
	}
}
