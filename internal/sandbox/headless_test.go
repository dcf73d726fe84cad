package sandbox

import "testing"

func TestHeadlessEnv(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		headless bool
		env      []string
		want     map[string]string
		absent   []string
	}{
		{
			name:     "plotting script headless",
			source:   "import matplotlib.pyplot as plt\nplt.show()",
			headless: true,
			want:     map[string]string{"PATCH_EXECUTION": "1", "CI": "true", "MPLBACKEND": "Agg"},
		},
		{
			name:     "plain script headless",
			source:   "print(1)",
			headless: true,
			want:     map[string]string{"PATCH_EXECUTION": "1", "CI": "true"},
			absent:   []string{"MPLBACKEND"},
		},
		{
			name:   "display available and interactive allowed",
			source: "import tkinter",
			env:    []string{"DISPLAY=:0"},
			want:   map[string]string{"PATCH_EXECUTION": "1"},
			absent: []string{"CI", "MPLBACKEND"},
		},
		{
			name:   "no display forces headless",
			source: "import pygame",
			want:   map[string]string{"PATCH_EXECUTION": "1", "CI": "true", "SDL_VIDEODRIVER": "dummy"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HeadlessEnv(tt.source, tt.headless, tt.env)
			for key, value := range tt.want {
				if got[key] != value {
					t.Fatalf("expected %s=%q, got %v", key, value, got)
				}
			}
			for _, key := range tt.absent {
				if _, ok := got[key]; ok {
					t.Fatalf("did not expect %s, got %v", key, got)
				}
			}
		})
	}
}
