package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveWorkloadNameDeterministic(t *testing.T) {
	id := "7b1e9c2a-44f0-4c5d-9a38-6a1be2c10f55"
	assert.Equal(t, DeriveWorkloadName(id), DeriveWorkloadName(id))
	assert.Equal(t, DeriveServiceName(id), DeriveWorkloadName(id))
}

func TestDeriveWorkloadNameSanitizes(t *testing.T) {
	assert.Equal(t, "sbx-my-project", DeriveWorkloadName("My_Project"))
	assert.Equal(t, "sbx-abc-123", DeriveWorkloadName("abc.123"))

	// stays inside the DNS label limit
	long := DeriveWorkloadName("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.LessOrEqual(t, len(long), 63)
}

func TestDerivePreviewURLDeterministic(t *testing.T) {
	url1 := DerivePreviewURL("proj-1", "preview.skiff.dev")
	url2 := DerivePreviewURL("proj-1", "preview.skiff.dev")
	assert.Equal(t, url1, url2)
	assert.Equal(t, "https://sbx-proj-1.preview.skiff.dev", url1)
}

func TestDeploymentPrefix(t *testing.T) {
	assert.Equal(t, "/deployments/p1", DeploymentPrefix("p1"))
}
