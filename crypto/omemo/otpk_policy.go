package omemo

// PreKeyMessageRecord is the history SessionManager keeps for one
// pre-key message received against a given one-time pre-key: when it
// arrived, whether it was replayed out of some storage mechanism like
// MAM rather than received live, and the timestamps of every reply sent
// back over the resulting session (spec.md §4.2, supplemented from the
// preKeyMessages record shape of the original python-omemo otpkpolicy.py
// this core was distilled from).
type PreKeyMessageRecord struct {
	Timestamp   int64
	FromStorage bool
	Answers     []int64
}

// OTPKPolicy decides whether a one-time pre-key that has been bound to a
// session should be kept (for replay-tolerant redelivery, e.g. from MAM)
// or released once its private material is no longer needed to decrypt
// the pre-key message that consumed it.
type OTPKPolicy interface {
	// Keep returns true to retain the pre-key's private material, false to
	// release it.
	Keep(records []PreKeyMessageRecord) bool
}

// DefaultOTPKPolicy slightly prefers usability over security: it never
// releases a one-time pre-key because of messages replayed from storage,
// never releases one that has not been answered at all, and only
// releases one once at least two answers were sent at least 24 hours
// apart. This prevents an attacker from indefinitely reusing a captured
// pre-key message while real-world delayed delivery should never lose a
// session to early release.
type DefaultOTPKPolicy struct{}

func (DefaultOTPKPolicy) Keep(records []PreKeyMessageRecord) bool {
	var answers []int64
	for _, r := range records {
		if r.FromStorage {
			continue
		}
		answers = append(answers, r.Answers...)
	}

	if len(answers) < 2 {
		return true
	}

	min, max := answers[0], answers[0]
	for _, a := range answers {
		if a < min {
			min = a
		}
		if a > max {
			max = a
		}
	}

	const dayInSeconds = 24 * 60 * 60
	return max-min < dayInSeconds
}
