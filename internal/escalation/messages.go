package escalation

import (
	"fmt"
	"strings"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

const (
	alertTitle        = "Fall Detected!"
	fallbackTitle     = "Fall Alert: call failed"
	allFailedTitle    = "CRITICAL: all escalation channels failed"
	timeLayout        = "15:04:05"
	helpInstruction   = "Please call for help or ask someone nearby."
	permissionMessage = "calling is not permitted on this device"
)

// alertBody 首次告警内容
func alertBody(d *models.EscalationDecision, caretakerName string) string {
	e := d.Event
	var b strings.Builder
	fmt.Fprintf(&b, "A fall was detected at %s. Free fall lasted %d ms, impact %.2f g.",
		e.ConfirmedAt.Local().Format(timeLayout), e.DurationMs, e.PeakMagnitude)

	switch d.Target {
	case models.TargetCaretaker:
		if caretakerName != "" {
			fmt.Fprintf(&b, " Calling %s (%s).", caretakerName, d.TargetNumber)
		} else {
			fmt.Fprintf(&b, " Calling your caretaker (%s).", d.TargetNumber)
		}
	default:
		fmt.Fprintf(&b, " No caretaker configured, calling emergency services (%s).", d.TargetNumber)
	}

	if e.Location != nil {
		fmt.Fprintf(&b, " Location: %.5f, %.5f.", e.Location.Latitude, e.Location.Longitude)
	}
	return b.String()
}

// fallbackAlert 呼叫失败后的提示；通知也失败时明确说明所有渠道均失败
func fallbackAlert(d *models.EscalationDecision) (title, body string) {
	call, _ := d.Attempt(models.ChannelCall)
	reason := call.Reason
	if reason == "" {
		reason = "unknown error"
	}
	if reason == ErrPermissionDenied.Error() {
		reason = permissionMessage
	}

	if !d.Delivered(models.ChannelNotification) {
		return allFailedTitle, fmt.Sprintf(
			"All escalation channels failed for the fall detected at %s (call to %s: %s). %s",
			d.Event.ConfirmedAt.Local().Format(timeLayout), d.TargetNumber, reason, helpInstruction)
	}
	return fallbackTitle, fmt.Sprintf(
		"Could not call %s (%s): %s. %s",
		targetLabel(d.Target), d.TargetNumber, reason, helpInstruction)
}

func targetLabel(t models.EscalationTarget) string {
	if t == models.TargetCaretaker {
		return "your caretaker"
	}
	return "emergency services"
}
