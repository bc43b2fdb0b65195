package readiness

import "strings"

// Stage is an inferred coarse-grained sandbox startup stage. The sandbox
// exposes no structured progress signal, so stages are inferred from
// instance state and log text.
type Stage string

const (
	StageScheduling     Stage = "scheduling"
	StagePullingImage   Stage = "pulling_image"
	StageStarting       Stage = "starting"
	StageCloningRepo    Stage = "cloning_repo"
	StageInstallingDeps Stage = "installing_deps"
	StageReady          Stage = "ready"
)

// stageRank orders stages by startup progression; transitions only move
// forward so a noisy log window never walks a sandbox backwards.
var stageRank = map[Stage]int{
	StageScheduling:     0,
	StagePullingImage:   1,
	StageStarting:       2,
	StageCloningRepo:    3,
	StageInstallingDeps: 4,
	StageReady:          5,
}

// logMarkers maps log text markers to stages, ordered most-advanced first
// so the furthest stage present in the window wins. Markers match the
// startup script's own output plus the tool output it invokes (git clone,
// npm install, the dev server's ready banner).
var logMarkers = []struct {
	marker string
	stage  Stage
}{
	{"ready in", StageReady},
	{"packages in", StageInstallingDeps},
	{"added", StageInstallingDeps},
	{"Cloning into", StageCloningRepo},
	{"waiting for restore", StageStarting},
	{"Installing", StageStarting},
}

// ClassifyLogs infers the startup stage from a log window. Pure and
// idempotent: the same text always yields the same stage. Returns ok=false
// when no marker is present, which callers treat as "no new information",
// never as a regression.
func ClassifyLogs(logText string) (Stage, bool) {
	if logText == "" {
		return "", false
	}
	for _, m := range logMarkers {
		if strings.Contains(logText, m.marker) {
			return m.stage, true
		}
	}
	return "", false
}

// Advances reports whether moving from to next is a forward transition
func Advances(from, next Stage) bool {
	if from == "" {
		return true
	}
	return stageRank[next] > stageRank[from]
}
