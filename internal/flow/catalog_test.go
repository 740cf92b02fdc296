package flow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	cat, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog failed: %v", err)
	}
	if len(cat.Menu.Options) != 8 {
		t.Errorf("expected 8 main menu options, got %d", len(cat.Menu.Options))
	}
	if ex, ok := cat.ExerciseAt("3"); !ok || ex.Name != "Front Lever" || ex.SideRequired {
		t.Errorf("unexpected exercise 3: %+v", ex)
	}
	if ex, ok := cat.Exercise("Handstand"); !ok || !ex.SideRequired {
		t.Errorf("Handstand must require a side: %+v", ex)
	}
	if _, ok := cat.ExerciseAt("0"); ok {
		t.Error("ExerciseAt(0) should fail")
	}
	if _, ok := cat.MenuOption("9"); ok {
		t.Error("MenuOption(9) should fail")
	}
	if !strings.Contains(cat.Prices, "https://pago.nexuscalistenia.com") {
		t.Errorf("prices text lacks the payment link: %q", cat.Prices)
	}
}

func TestCatalogRendering(t *testing.T) {
	cat, _ := DefaultCatalog()

	menu := cat.MainMenu()
	if menu.Options[1] != "2. Propiocepción" {
		t.Errorf("unexpected main menu option: %q", menu.Options[1])
	}
	durations := cat.DurationMenu()
	want := []string{"1. 15 min", "2. 30 min", "3. 60 min", "4. Otro"}
	if len(durations.Options) != len(want) {
		t.Fatalf("duration options = %v, want %v", durations.Options, want)
	}
	for i := range want {
		if durations.Options[i] != want[i] {
			t.Errorf("duration option %d = %q, want %q", i, durations.Options[i], want[i])
		}
	}
	if got := cat.ExerciseMenu().Options[0]; got != "1. Handstand" {
		t.Errorf("first exercise option = %q", got)
	}
}

func TestParseCatalogValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Catalog)
	}{
		{"no menu", func(c *Catalog) { c.Menu.Options = nil }},
		{"duplicate key", func(c *Catalog) { c.Menu.Options[1].Key = "1" }},
		{"reply without text", func(c *Catalog) { c.Menu.Options[0].Reply = "" }},
		{"unknown action", func(c *Catalog) { c.Menu.Options[0].Action = "dance" }},
		{"no exercises", func(c *Catalog) { c.Exercises = nil }},
		{"monitoring options", func(c *Catalog) { c.Monitoring.Options = c.Monitoring.Options[:2] }},
		{"no durations", func(c *Catalog) { c.Durations.Minutes = nil }},
		{"threshold range", func(c *Catalog) { c.Threshold.MaxSeconds = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := DefaultCatalog()
			if err != nil {
				t.Fatalf("DefaultCatalog failed: %v", err)
			}
			tt.mutate(cat)
			if err := cat.Validate(); !errors.Is(err, ErrInvalidCatalog) {
				t.Errorf("Validate() = %v, want ErrInvalidCatalog", err)
			}
		})
	}

	if _, err := ParseCatalog([]byte("menu: [")); !errors.Is(err, ErrInvalidCatalog) {
		t.Errorf("malformed YAML: got %v", err)
	}
}

func TestLoadCatalog(t *testing.T) {
	cat, err := LoadCatalog("")
	if err != nil || cat == nil {
		t.Fatalf("LoadCatalog(\"\") failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	custom := strings.Replace(string(defaultCatalogYAML), "Elige la técnica:", "Escoge tu técnica:", 1)
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cat, err = LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if cat.ExercisePrompt != "Escoge tu técnica:" {
		t.Errorf("expected the file's prompt, got %q", cat.ExercisePrompt)
	}

	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
