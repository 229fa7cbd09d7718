// internal/prism/types.go
package prism

// Typed projections of the Prism Element v2.0 REST resources the orchestrator
// reads. Only the fields the failover path consumes are decoded; everything
// else the gateway returns is ignored.

// Metro availability role and status values as the gateway reports them.
const (
	RoleActive  = "Active"
	RoleStandby = "Standby"

	StatusEnabled  = "Enabled"
	StatusDisabled = "Disabled"

	// FailureHandlingWitness marks domains arbitrated by a witness VM; those
	// self-resolve split-brain and are never explicitly disabled.
	FailureHandlingWitness = "Witness"
)

// ClusterInfo describes a storage cluster (GET /cluster/)
type ClusterInfo struct {
	Name                string             `json:"name"`
	UUID                string             `json:"uuid"`
	ExternalIP          string             `json:"cluster_external_ipaddress"`
	IsUpgradeInProgress bool               `json:"is_upgrade_in_progress"`
	ManagementServers   []ManagementServer `json:"management_servers"`
	RedundancyState     RedundancyState    `json:"cluster_redundancy_state"`
}

// ManagementServer is a hypervisor-management endpoint registered with the
// cluster; metro clusters must have exactly one, shared with the peer.
type ManagementServer struct {
	IPAddress  string `json:"ip_address"`
	Type       string `json:"management_server_type"`
	DRSEnabled bool   `json:"drs_enabled"`
}

// RedundancyState reports the cluster's fault-tolerance factor
type RedundancyState struct {
	CurrentRedundancyFactor int `json:"current_redundancy_factor"`
	DesiredRedundancyFactor int `json:"desired_redundancy_factor"`
}

// Host is a storage-cluster node (GET /hosts/)
type Host struct {
	Name                    string `json:"name"`
	HypervisorAddress       string `json:"hypervisor_address"`
	ServiceVMExternalIP     string `json:"service_vmexternal_ip"`
	ControllerVMBackplaneIP string `json:"controller_vm_backplane_ip"`
	IPMIAddress             string `json:"ipmi_address"`
}

// ProtectionDomain is a replication consistency group (GET /protection_domains/).
// MetroAvail is nil for domains that are not metro-mirrored.
type ProtectionDomain struct {
	Name       string      `json:"name"`
	Active     bool        `json:"active"`
	MetroAvail *MetroAvail `json:"metro_avail"`
}

// MetroAvail carries the metro replication state of a protection domain
type MetroAvail struct {
	Role             string `json:"role"`
	RemoteSite       string `json:"remote_site"`
	StorageContainer string `json:"container"`
	Status           string `json:"status"`
	FailureHandling  string `json:"failure_handling"`
}

// IsMetro reports whether the domain participates in metro replication
func (pd ProtectionDomain) IsMetro() bool {
	return pd.MetroAvail != nil
}

// Witness reports whether split-brain for the domain is witness-arbitrated
func (pd ProtectionDomain) Witness() bool {
	return pd.MetroAvail != nil && pd.MetroAvail.FailureHandling == FailureHandlingWitness
}

// RemoteSite is a replication peer (GET /remote_sites/)
type RemoteSite struct {
	Name          string         `json:"name"`
	RemoteIPPorts map[string]int `json:"remote_ip_ports"`
}

// Address returns one management address of the peer cluster, empty when the
// site record carries none.
func (r RemoteSite) Address() string {
	for ip := range r.RemoteIPPorts {
		return ip
	}
	return ""
}

// Task progress states (GET /tasks/{uuid})
const (
	TaskSucceeded = "Succeeded"
	TaskFailed    = "Failed"
	TaskAborted   = "Aborted"
)

// Task is an asynchronous control-plane operation handle
type Task struct {
	UUID               string `json:"uuid"`
	OperationType      string `json:"operation_type"`
	PercentageComplete int    `json:"percentage_complete"`
	ProgressStatus     string `json:"progress_status"`
}

// Done reports whether the task reached a terminal status
func (t Task) Done() bool {
	switch t.ProgressStatus {
	case TaskSucceeded, TaskFailed, TaskAborted:
		return true
	}
	return false
}

type listResponse[T any] struct {
	Entities []T `json:"entities"`
}

type taskRef struct {
	TaskUUID string `json:"task_uuid"`
}
