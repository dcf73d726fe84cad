package sandbox

import (
	"strings"
)

var guiMarkers = []string{
	"import matplotlib",
	"from matplotlib",
	"matplotlib.pyplot",
	"plt.show",
	"plt.figure",
	"plt.plot",
	"plt.hist",
	"import tkinter",
	"from tkinter",
	"import pygame",
	"import turtle",
	"cv2.imshow",
}

// UsesInteractiveOutput is a static check of entry source for plotting or GUI toolkits.
func UsesInteractiveOutput(source string) bool {
	lowered := strings.ToLower(source)
	for _, marker := range guiMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// HeadlessEnv returns the variables that keep a child non-interactive.
// PATCH_EXECUTION is always set so programs can detect pipeline runs.
func HeadlessEnv(source string, headless bool, env []string) map[string]string {
	vars := map[string]string{"PATCH_EXECUTION": "1"}
	if !headless && hasDisplay(env) {
		return vars
	}
	vars["CI"] = "true"
	if UsesInteractiveOutput(source) {
		vars["MPLBACKEND"] = "Agg"
		vars["SDL_VIDEODRIVER"] = "dummy"
		vars["QT_QPA_PLATFORM"] = "offscreen"
	}
	return vars
}

func hasDisplay(env []string) bool {
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		if (key == "DISPLAY" || key == "WAYLAND_DISPLAY") && value != "" {
			return true
		}
	}
	return false
}
