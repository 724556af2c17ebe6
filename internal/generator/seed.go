package generator

// Seed selection and the retry policy for seed-transfer failures, kept as a
// small explicit state machine so the policy is testable without I/O.

type seedKind int

const (
	seedNone seedKind = iota
	seedStatic
	seedContinuity
)

func (k seedKind) String() string {
	switch k {
	case seedStatic:
		return "static"
	case seedContinuity:
		return "continuity"
	default:
		return "none"
	}
}

// attemptState tracks the current seed choice and how many retries have been
// spent on it.
type attemptState struct {
	seed    seedKind
	retries int
}

type attemptAction int

const (
	// actionRetry: retry with the same seed after backoff, tolerating a
	// reference image the provider hasn't finished processing yet.
	actionRetry attemptAction = iota
	// actionSwitchSeed: abandon the continuity seed permanently for this
	// scene and fall back to the next seed in priority order.
	actionSwitchSeed
	// actionFail: attempts exhausted, the scene is marked failed.
	actionFail
)

// maxSameSeedRetries bounds retries with an unchanged seed (backoff 2s, 4s).
const maxSameSeedRetries = 2

// chooseSeed applies the seed priority: continuity token from the previous
// scene when enabled and available, else the scene's own static image handle,
// else none (pure text-to-video).
func chooseSeed(continuityEnabled bool, continuityHandle, staticHandle string) (seedKind, string) {
	if continuityEnabled && continuityHandle != "" {
		return seedContinuity, continuityHandle
	}
	if staticHandle != "" {
		return seedStatic, staticHandle
	}
	return seedNone, ""
}

// nextAttempt decides the follow-up to a seed-transfer failure. A continuity
// seed is dropped in favor of the static handle (or none) on the first
// failure; any other seed is retried in place until retries run out.
func nextAttempt(st attemptState, staticHandle string) (attemptAction, attemptState, string) {
	if st.seed == seedContinuity {
		if staticHandle != "" {
			return actionSwitchSeed, attemptState{seed: seedStatic}, staticHandle
		}
		return actionSwitchSeed, attemptState{seed: seedNone}, ""
	}

	if st.retries < maxSameSeedRetries {
		next := attemptState{seed: st.seed, retries: st.retries + 1}
		return actionRetry, next, ""
	}

	return actionFail, st, ""
}

// roundDuration maps a requested duration onto the provider's accepted set
// {5, 10}: at most 5 rounds to 5, anything longer rounds up to 10, and
// requests beyond 10 are capped there.
func roundDuration(requested int) int {
	if requested <= 5 {
		return 5
	}
	return 10
}
