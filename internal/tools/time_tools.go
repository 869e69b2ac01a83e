package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimeToolName is the name the model uses to ask for the current time.
const TimeToolName = "get_current_time"

// timeLayout renders as "2006-01-02 15:04:05 UTC".
const timeLayout = "2006-01-02 15:04:05 MST"

var errUnknownTimezone = fmt.Errorf("%w: Unknown timezone or unable to get current time. "+
	"Please use a valid IANA timezone string (e.g., 'America/Los_Angeles').", ErrInvalidArguments)

var timezonePattern = regexp.MustCompile(`^[A-Za-z_/]+$`)

// TimeTool returns the current-time tool. now is the clock it reads;
// nil means [time.Now].
func TimeTool(now func() time.Time) *Tool {
	if now == nil {
		now = time.Now
	}
	return &Tool{
		Name: TimeToolName,
		Description: "Returns the current date and time in a specified timezone. " +
			"Use this tool for any question about 'what time is it' or 'what is the date'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "The IANA timezone string (e.g., 'America/New_York', 'Europe/London', 'Asia/Kolkata'). Defaults to 'UTC'.",
				},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			tz := "UTC"
			if v, ok := args["timezone"].(string); ok {
				tz = v
			}
			return CurrentTime(now(), tz)
		},
	}
}

// CurrentTime formats t in the named IANA timezone.
func CurrentTime(t time.Time, tz string) (string, error) {
	if !timezonePattern.MatchString(tz) {
		return "", fmt.Errorf("%w: Invalid timezone format. Please use a valid IANA timezone string.", ErrInvalidArguments)
	}
	// LoadLocation maps "Local" to the host zone, which is not an IANA name.
	if strings.EqualFold(tz, "local") {
		return "", errUnknownTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", errUnknownTimezone
	}
	return fmt.Sprintf("The current date and time in %s is: %s", tz, t.In(loc).Format(timeLayout)), nil
}
