package bisim

import "github.com/unixpickle/anyvec"

// MaxStepsEnv wraps an Env and ends episodes early if
// they run longer than MaxSteps timesteps.
//
// Episodes cut short this way are reported through
// TimedOut, so that callers can tell an episode length
// limit apart from a terminal state.
type MaxStepsEnv struct {
	Env
	MaxSteps int

	steps    int
	timedOut bool
}

// Reset resets the environment.
func (m *MaxStepsEnv) Reset() (anyvec.Vector, error) {
	m.steps = 0
	m.timedOut = false
	return m.Env.Reset()
}

// Step takes a step in the environment.
func (m *MaxStepsEnv) Step(action anyvec.Vector) (anyvec.Vector, float64, bool, error) {
	obs, rew, done, err := m.Env.Step(action)
	m.steps++
	if m.steps == m.MaxSteps && !done {
		done = true
		m.timedOut = true
	}
	return obs, rew, done, err
}

// TimedOut reports whether the last episode was ended by
// the step limit.
func (m *MaxStepsEnv) TimedOut() bool {
	return m.timedOut
}
