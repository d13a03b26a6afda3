package remote

import (
	"strings"
	"testing"
)

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"nginx:1.25":     "nginx:1.25",
		"":               "''",
		"hello world":    "'hello world'",
		"it's":           `'it'"'"'s'`,
		"$(rm -rf /)":    "'$(rm -rf /)'",
		"{{json .}}":     "'{{json .}}'",
		"label=peep.a=1": "label=peep.a=1",
	}
	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"app-42", "b6f3c2a0-1d2e-4f5a-9b8c-7d6e5f4a3b2c", "peep_proxy", "a.b"}
	for _, v := range valid {
		if err := ValidateName(v); err != nil {
			t.Errorf("expected %q to be valid: %v", v, err)
		}
	}
	invalid := []string{"", "-leading", "has space", "semi;colon", "a/b", strings.Repeat("x", 200)}
	for _, v := range invalid {
		if err := ValidateName(v); err == nil {
			t.Errorf("expected %q to be rejected", v)
		}
	}
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	if err := ValidatePath("/data/peep/app"); err != nil {
		t.Fatalf("expected path to be valid: %v", err)
	}
	if err := ValidatePath("/data/../etc"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}

func TestBuilderAccumulatesSteps(t *testing.T) {
	b := NewBuilder()
	b.Run("network", "docker", "network", "create", b.Name("peep")).Tolerate("already exists")
	b.Run("remove", "docker", "rm", "-f", b.Name("app-1")).IgnoreFailure().Hidden()
	b.Shell("checkout", "helper-1", "git", "clone", "https://example.com/repo.git", "/artifacts/app")

	steps, err := b.Steps()
	if err != nil {
		t.Fatalf("Steps returned error: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if steps[0].Line() != "docker network create peep" {
		t.Fatalf("unexpected line %q", steps[0].Line())
	}
	if !steps[1].IgnoreFailure || !steps[1].Hidden {
		t.Fatalf("expected modifiers on second step: %+v", steps[1])
	}
	want := "docker exec helper-1 sh -c 'git clone https://example.com/repo.git /artifacts/app'"
	if steps[2].Line() != want {
		t.Fatalf("unexpected shell line %q", steps[2].Line())
	}
}

func TestBuilderReportsInvalidName(t *testing.T) {
	b := NewBuilder()
	b.Run("stop", "docker", "stop", b.Name("x; reboot"))
	if _, err := b.Steps(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBuilderWriteFileEncodesContent(t *testing.T) {
	steps, err := NewBuilder().WriteFile("write compose", "dep-1", "/artifacts/dep-1/compose.yaml", []byte("a: 'b'\n")).Steps()
	if err != nil {
		t.Fatalf("Steps returned error: %v", err)
	}
	if len(steps) != 1 || !steps[0].Hidden {
		t.Fatalf("expected a single hidden step, got %+v", steps)
	}
	want := "docker exec dep-1 sh -c 'echo YTogJ2InCg== | base64 -d > /artifacts/dep-1/compose.yaml'"
	if got := steps[0].Line(); got != want {
		t.Fatalf("Line() = %q, want %q", got, want)
	}
}
