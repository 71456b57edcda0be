package config

import (
	"os"
	"testing"

	"gopkg.in/yaml.v2"
)

func TestWriteDefaultConfigIsValidYAML(t *testing.T) {
	f, err := os.CreateTemp("", "breakpadgo-config-*.yml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := writeDefaultConfig(f); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}

	var c Config
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("default config file is not valid YAML: %v", err)
	}
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	want := &Config{
		UncoveredWarningsEnabled: true,
		ScanWindowWords:          128,
		MaxFrames:                2048,
		SubstitutePath: SubstitutePathRules{
			{From: "/build/src", To: "/home/me/src"},
		},
	}
	if err := createConfigPath(); err != nil {
		t.Fatalf("createConfigPath: %v", err)
	}
	if err := SaveConfig(want); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	got := LoadConfig()
	if got.UncoveredWarningsEnabled != want.UncoveredWarningsEnabled ||
		got.ScanWindowWords != want.ScanWindowWords ||
		got.MaxFrames != want.MaxFrames {
		t.Errorf("LoadConfig() = %+v, want %+v", got, want)
	}
	if len(got.SubstitutePath) != 1 || got.SubstitutePath[0] != want.SubstitutePath[0] {
		t.Errorf("SubstitutePath = %+v, want %+v", got.SubstitutePath, want.SubstitutePath)
	}
}

func TestLoadConfigCreatesDefaultOnFirstRun(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	c := LoadConfig()
	if c == nil {
		t.Fatal("LoadConfig returned nil")
	}

	fullPath, err := GetConfigFilePath(configFile)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fullPath); err != nil {
		t.Errorf("expected a default config file to have been written: %v", err)
	}
}
