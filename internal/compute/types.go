// internal/compute/types.go
package compute

import "strings"

// Ref is an opaque managed-object identifier within the compute manager
type Ref string

// PowerState of a virtual machine
type PowerState string

const (
	PoweredOn  PowerState = "poweredOn"
	PoweredOff PowerState = "poweredOff"
	Suspended  PowerState = "suspended"
)

// DRSFullyAutomated is the automation level the evacuation pass requires:
// DRS executes host-group moves without manual approval.
const DRSFullyAutomated = "fullyAutomated"

// HostFacts describes a hypervisor host
type HostFacts struct {
	Ref           Ref
	Name          string
	ManagementIPs []string
	Cluster       Ref
	Connected     bool
	InMaintenance bool
}

// ClusterFacts describes an HA/DRS cluster
type ClusterFacts struct {
	Ref         Ref
	Name        string
	HAEnabled   bool
	DRSEnabled  bool
	DRSBehavior string
}

// FullyAutomated reports whether DRS will move VMs without confirmation
func (c ClusterFacts) FullyAutomated() bool {
	return c.DRSEnabled && c.DRSBehavior == DRSFullyAutomated
}

// VMFacts describes a virtual machine
type VMFacts struct {
	Ref   Ref
	Name  string
	Host  Ref
	Power PowerState
}

// HostRule is a DRS VM-to-host-group affinity rule
type HostRule struct {
	Key       int32
	Name      string
	Enabled   bool
	VMGroup   string
	HostGroup string
}

// IsControllerVM reports whether name is a storage-controller VM. Controller
// VMs follow the NTNX-<serial>-CVM convention and are excluded from guest
// evacuation and shutdown preflight.
func IsControllerVM(name string) bool {
	return strings.HasPrefix(name, "NTNX-") && strings.HasSuffix(name, "-CVM")
}
