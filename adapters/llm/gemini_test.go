package llm

import (
	"testing"

	"google.golang.org/genai"

	"github.com/luminakids/lumina/domain/repositories"
)

func TestBuildContents(t *testing.T) {
	history := []repositories.ChatMessage{
		{Role: repositories.UserRole, Content: "hello"},
		{Role: repositories.ToyRole, Content: "hi there"},
	}

	contents := buildContents(history, "what's your name?", "You are a friendly toy.")
	if len(contents) != 4 {
		t.Fatalf("len(contents) = %d, want 4", len(contents))
	}

	wantRoles := []genai.Role{genai.RoleUser, genai.RoleUser, genai.RoleModel, genai.RoleUser}
	for i, want := range wantRoles {
		if contents[i].Role != string(want) {
			t.Errorf("contents[%d].Role = %q, want %q", i, contents[i].Role, want)
		}
	}

	last := contents[len(contents)-1]
	if len(last.Parts) != 1 || last.Parts[0].Text != "what's your name?" {
		t.Errorf("final turn = %+v, want the prompt text", last)
	}
}

func TestBuildContentsWithoutPersona(t *testing.T) {
	contents := buildContents(nil, "hello", "")
	if len(contents) != 1 {
		t.Fatalf("len(contents) = %d, want 1", len(contents))
	}
	if contents[0].Parts[0].Text != "hello" {
		t.Errorf("content text = %q, want %q", contents[0].Parts[0].Text, "hello")
	}
}
