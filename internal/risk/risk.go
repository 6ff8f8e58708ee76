// Package risk turns a session's proctoring log into a bounded suspicion
// score. Everything here is a pure function of its input.
package risk

import "github.com/stemsi/exstem-proctor/internal/model"

// Weights in tenths so the score is computed without float rounding.
const (
	tabSwitchWeight      = 2
	faceNotVisibleWeight = 3
	multipleFacesWeight  = 4
	micActivityWeight    = 1
	scoreCap             = 10
)

// Score counts the scored event categories and derives riskScore.
func Score(events []model.ProctoringEvent) model.RiskAnalysis {
	var a model.RiskAnalysis
	for _, e := range events {
		switch e.EventType {
		case model.EventTabSwitch:
			a.TabSwitches++
		case model.EventFaceNotVisible:
			a.FaceNotVisible++
		case model.EventMultipleFaces, model.EventCheatingDetected:
			a.MultipleFaces++
		case model.EventMicActivity:
			a.MicActivity++
		}
	}

	raw := a.TabSwitches*tabSwitchWeight +
		a.FaceNotVisible*faceNotVisibleWeight +
		a.MultipleFaces*multipleFacesWeight +
		a.MicActivity*micActivityWeight
	if raw > scoreCap {
		raw = scoreCap
	}
	a.RiskScore = raw * 10
	a.TotalViolations = a.TabSwitches + a.FaceNotVisible + a.MultipleFaces + a.MicActivity
	return a
}

// IsFlagged reports whether events contain at least one reviewable
// violation.
func IsFlagged(events []model.ProctoringEvent) bool {
	for _, e := range events {
		switch e.EventType {
		case model.EventFaceNotVisible, model.EventMultipleFaces, model.EventTabSwitch,
			model.EventCheatingDetected, model.EventMicActivity:
			return true
		}
	}
	return false
}

// Level buckets a risk score for dashboards.
func Level(score int) string {
	switch {
	case score >= 80:
		return "critical"
	case score >= 60:
		return "high"
	case score >= 30:
		return "medium"
	default:
		return "low"
	}
}
