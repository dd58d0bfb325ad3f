package booking

import "fmt"

// ResultCode is the numeric code every booking backend response carries.
type ResultCode int

const (
	CodeOK                    ResultCode = 0
	CodeProfileNotFound       ResultCode = -3
	CodeMaxFutureAppointments ResultCode = 90
)

// OK reports whether the code signals success.
func (c ResultCode) OK() bool { return c == CodeOK }

func (c ResultCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeProfileNotFound:
		return "profile_not_found"
	case CodeMaxFutureAppointments:
		return "max_future_appointments"
	default:
		return fmt.Sprintf("backend_failure(%d)", int(c))
	}
}

// Hint is a human-readable explanation of a failure code for the assistant.
func (c ResultCode) Hint() string {
	switch c {
	case CodeOK:
		return ""
	case CodeProfileNotFound:
		return "No customer profile exists yet. Ask for the full name and consent to the privacy policy, then call store_profile."
	case CodeMaxFutureAppointments:
		return "The customer already has 2 future appointments. Offer to cancel or reschedule one of them first."
	default:
		return "The booking system rejected the request. Apologize and offer to try again or choose different options."
	}
}
