package cli

import "testing"

func TestRootCommands(t *testing.T) {
	want := map[string]bool{
		"serve":     false,
		"status":    false,
		"wallet":    false,
		"publish":   false,
		"reconcile": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q is not registered", name)
		}
	}

	cmd, _, err := rootCmd.Find([]string{"wallet", "get"})
	if err != nil || cmd.Name() != "get" {
		t.Errorf("expected wallet get subcommand, got %v (%v)", cmd, err)
	}
}
