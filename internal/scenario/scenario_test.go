package scenario

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

const loginYAML = `
name: login
site: http://localhost
timeout: 30s
steps:
  - action: visit
    path: /user
  - action: val
    selector: "#edit-name"
    value: admin
  - action: val
    selector: "#edit-pass"
    value: 123password
  - action: click
    selector: "#edit-submit"
  - action: wait_for_page
    timeout: 5000
  - action: text
    selector: 'a[href="/user/logout"]'
    save: logout
`

func TestParseYAML(t *testing.T) {
	sc, err := Parse([]byte(loginYAML))
	require.NoError(t, err)

	assert.Equal(t, "login", sc.Name)
	assert.Equal(t, Duration(30*time.Second), sc.Timeout)
	require.Len(t, sc.Steps, 6)
	assert.Equal(t, ActionVal, sc.Steps[1].Action)
	require.NotNil(t, sc.Steps[1].Value)
	assert.Equal(t, "admin", *sc.Steps[1].Value)
	require.NotNil(t, sc.Steps[4].Timeout)
	assert.Equal(t, Duration(5*time.Second), *sc.Steps[4].Timeout)
	assert.Equal(t, "logout", sc.Steps[5].Save)
}

func TestParseJSON(t *testing.T) {
	sc, err := Parse([]byte(`{"name":"nodes","steps":[
		{"action":"visit","path":"/node","timeout":"2s"},
		{"action":"each","selector":"h2 a","save":"titles"}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, Duration(2*time.Second), *sc.Steps[0].Timeout)
	assert.Equal(t, ActionEach, sc.Steps[1].Action)
}

func TestDurationJSON(t *testing.T) {
	var step Step
	require.NoError(t, json.Unmarshal([]byte(`{"action":"wait_for_page","timeout":250}`), &step))
	assert.Equal(t, Duration(250*time.Millisecond), *step.Timeout)

	require.NoError(t, json.Unmarshal([]byte(`{"action":"wait_for_page","timeout":"-1"}`), &step))
	assert.Equal(t, jqgo.NoTimeout, step.timeout(time.Second))

	assert.Error(t, json.Unmarshal([]byte(`{"timeout":"soon"}`), &step))

	out, err := json.Marshal(Scenario{Name: "x", Timeout: Duration(time.Minute)})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"timeout":"1m0s"`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		sc   Scenario
		err  string
	}{
		{"empty", Scenario{}, "scenario has no steps"},
		{"no action", Scenario{Steps: []Step{{}}}, "step 0 (): action is required"},
		{"unknown", Scenario{Steps: []Step{{Action: "dance"}}}, `step 0 (dance): unknown action "dance"`},
		{"visit path", Scenario{Steps: []Step{{Action: ActionVisit}}}, "step 0 (visit): path is required"},
		{"invoke method", Scenario{Steps: []Step{{Action: ActionInvoke, Selector: "a"}}}, "step 0 (invoke): method is required"},
		{"upload path", Scenario{Steps: []Step{{Action: ActionUpload, Selector: "input"}}}, "step 0 (upload): path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.EqualError(t, tt.sc.Validate(), tt.err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "login.yaml")
	require.NoError(t, os.WriteFile(path, []byte(loginYAML), 0o644))

	sc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "login", sc.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSessionConfig(t *testing.T) {
	base := jqgo.DefaultConfig()
	base.Site = "http://example.com"

	assert.Equal(t, "http://example.com", (&Scenario{}).SessionConfig(base).Site)
	assert.Equal(t, "http://localhost", (&Scenario{Site: "http://localhost"}).SessionConfig(base).Site)
}
