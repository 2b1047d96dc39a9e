package cmdrun

import "github.com/stretchr/testify/mock"

// MockRunner is a testify mock of Runner. Expectations match on
// (stdin, name, args) with args passed as a []string.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(stdin []byte, name string, args ...string) ([]byte, error) {
	ret := m.Called(stdin, name, args)
	var out []byte
	if v := ret.Get(0); v != nil {
		out = v.([]byte)
	}
	return out, ret.Error(1)
}
