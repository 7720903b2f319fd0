package cli

import (
	"strings"
	"testing"
)

func TestVersionNotEmpty(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestExecuteVersion(t *testing.T) {
	_, out := useTestEnv(t)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "changebell "+Version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestDefaultConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := defaultConfigDir(); !strings.HasSuffix(got, "changebell") {
		t.Errorf("defaultConfigDir() = %q", got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "7d", want: "168h0m0s"},
		{input: "48h", want: "48h0m0s"},
		{input: "0d", wantErr: true},
		{input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseDuration(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.input, err)
		}
		if got.String() != tt.want {
			t.Errorf("%s: got %v, want %s", tt.input, got, tt.want)
		}
	}
}
