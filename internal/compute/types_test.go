// internal/compute/types_test.go
package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsControllerVM(t *testing.T) {
	assert.True(t, IsControllerVM("NTNX-18SM6C100042-A-CVM"))
	assert.True(t, IsControllerVM("NTNX-node2-CVM"))
	assert.False(t, IsControllerVM("ntnx-lowercase-cvm"))
	assert.False(t, IsControllerVM("app-server-01"))
	assert.False(t, IsControllerVM("NTNX-witness"))
}

func TestClusterFacts_FullyAutomated(t *testing.T) {
	assert.True(t, ClusterFacts{DRSEnabled: true, DRSBehavior: DRSFullyAutomated}.FullyAutomated())
	assert.False(t, ClusterFacts{DRSEnabled: true, DRSBehavior: "manual"}.FullyAutomated())
	assert.False(t, ClusterFacts{DRSEnabled: false, DRSBehavior: DRSFullyAutomated}.FullyAutomated())
}
