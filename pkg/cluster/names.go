package cluster

import (
	"fmt"
	"strings"
)

const (
	workloadPrefix = "sbx"

	// maxNameLength keeps derived names inside the DNS-1035 label limit
	maxNameLength = 63

	// Labels
	LabelApp     = "app"
	LabelProject = "skiff.cloud/project"
	labelRole    = "skiff.cloud/role"
)

// DeriveWorkloadName maps a project ID to its cluster workload name. Pure and
// deterministic: the derived name is the only mutual-exclusion mechanism for
// sandbox resources, so the same project always maps to the same name.
func DeriveWorkloadName(projectId string) string {
	name := fmt.Sprintf("%s-%s", workloadPrefix, sanitizeName(projectId))
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return strings.TrimRight(name, "-")
}

// DeriveServiceName maps a project ID to its network service name. The edge
// router maps "{service}.{previewDomain}" to the service with zero additional
// configuration, which is why this must equal the workload name.
func DeriveServiceName(projectId string) string {
	return DeriveWorkloadName(projectId)
}

// DerivePreviewURL returns the externally reachable preview URL for a project.
// It is a pure function of the project ID and domain; the backing resources
// do not need to exist yet.
func DerivePreviewURL(projectId, previewDomain string) string {
	return fmt.Sprintf("https://%s.%s", DeriveServiceName(projectId), previewDomain)
}

// DeploymentPrefix is the sub-path deployed artifacts for a project are
// served from. Asset references inside built artifacts are rewritten to it.
func DeploymentPrefix(projectId string) string {
	return fmt.Sprintf("/deployments/%s", projectId)
}

func sanitizeName(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
