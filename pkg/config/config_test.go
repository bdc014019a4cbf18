package config

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	XMLName xml.Name `yaml:"-" xml:"sample"`
	Name    string   `yaml:"name" xml:"name,attr"`
	Port    int      `yaml:"port" xml:"port"`
}

func (s *sample) Validate() error {
	if s.Port == 0 {
		return os.ErrInvalid
	}
	return nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_YAMLExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "from-env")
	p := writeFile(t, "c.yaml", "name: ${SAMPLE_NAME}\nport: 9000\n")

	var s sample
	if err := Load(p, &s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "from-env" || s.Port != 9000 {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_XML(t *testing.T) {
	p := writeFile(t, "c.xml", `<sample name="x"><port>7000</port></sample>`)

	var s sample
	if err := Load(p, &s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "x" || s.Port != 7000 {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	p := writeFile(t, "c.yaml", "name: x\n")
	var s sample
	if err := Load(p, &s); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadWithDefaults_FallsBack(t *testing.T) {
	def := writeFile(t, "default.yaml", "port: 1\n")
	var s sample
	if err := LoadWithDefaults(filepath.Join(t.TempDir(), "missing.yaml"), def, &s); err != nil {
		t.Fatalf("LoadWithDefaults: %v", err)
	}
	if s.Port != 1 {
		t.Errorf("port = %d", s.Port)
	}
}
