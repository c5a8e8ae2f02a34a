package flags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	enabled map[string]bool
}

func (f *fakeSource) IsFeatureEnabled(name string) bool {
	v, ok := f.enabled[name]
	if !ok {
		return true
	}
	return v
}

func TestEnabledFailsOpenBeforeSet(t *testing.T) {
	Reset()
	assert.True(t, Enabled(PrometheusMetricsEnabled))
	assert.True(t, Enabled("anything"))
}

func TestEnabledReflectsInstalledSource(t *testing.T) {
	Reset()
	Set(&fakeSource{enabled: map[string]bool{
		PrometheusMetricsEnabled: false,
		LearningSystemEnabled:    true,
	}})
	defer Reset()

	assert.False(t, Enabled(PrometheusMetricsEnabled))
	assert.True(t, Enabled(LearningSystemEnabled))
}

func TestEnabledFailsOpenForUnrecognizedName(t *testing.T) {
	Reset()
	Set(&fakeSource{enabled: map[string]bool{PrometheusMetricsEnabled: false}})
	defer Reset()

	assert.True(t, Enabled("some_other_flag"))
}

func TestSetIgnoresNilSource(t *testing.T) {
	Reset()
	Set(&fakeSource{enabled: map[string]bool{PrometheusMetricsEnabled: false}})
	defer Reset()

	Set(nil)
	assert.False(t, Enabled(PrometheusMetricsEnabled))
}

func TestResetRestoresFailOpen(t *testing.T) {
	Set(&fakeSource{enabled: map[string]bool{PrometheusMetricsEnabled: false}})
	Reset()
	assert.True(t, Enabled(PrometheusMetricsEnabled))
}
