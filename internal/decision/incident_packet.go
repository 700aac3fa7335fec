package decision

import (
	"time"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

// Request describes one breach or unauthorized change to remediate.
type Request struct {
	TenantID string
	// IdentityID is the accountable identity. It is punished unless Targets
	// names other members (join floods).
	IdentityID string
	Targets    []string
	Category   models.Category
	ArtifactID string
	Rule       config.Rule
	Reason     string

	// Verdict and Counter are set for threshold breaches. A breach is subject
	// to cooldown suppression and clears Counter once Applied.
	Verdict *correlator.Verdict
	Counter *correlator.Key
	// Since bounds the destructive changes restored after a nuke.
	Since time.Time

	Event *models.ChangeEvent
	// OverwriteID is the overwrite target to revert on ArtifactID.
	OverwriteID string
	// StripMask, when set on a role permission change, is removed from the
	// role instead of reverting it.
	StripMask int64
	// Offending lists the role ids to take back from member ArtifactID.
	Offending []string
	// LockFor is how long voice raid targets stay locked.
	LockFor time.Duration
	// RevertIdentity and RevertVanity select which guild changes are undone.
	RevertIdentity bool
	RevertVanity   bool
}

// Outcome is the result of one Remediate call.
type Outcome struct {
	Status   models.OutcomeStatus
	Reason   string
	Err      error
	Incident *models.Incident
}

func (o Outcome) Applied() bool {
	return o.Status == models.StatusApplied
}

const (
	ReasonCooldown  = "cooldown"
	ReasonHierarchy = "hierarchy"
	ReasonNothing   = "nothing to remediate"
)

// punishedIDs returns who a request punishes.
func (r Request) punishedIDs() []string {
	if len(r.Targets) > 0 {
		return r.Targets
	}
	if r.IdentityID == "" {
		return nil
	}
	return []string{r.IdentityID}
}

func (r Request) evidenceArtifacts() []string {
	if r.Verdict == nil {
		if r.ArtifactID == "" {
			return nil
		}
		return []string{r.ArtifactID}
	}
	seen := make(map[string]bool, len(r.Verdict.Evidence))
	out := make([]string, 0, len(r.Verdict.Evidence))
	for _, hit := range r.Verdict.Evidence {
		if hit.ArtifactID == "" || seen[hit.ArtifactID] {
			continue
		}
		seen[hit.ArtifactID] = true
		out = append(out, hit.ArtifactID)
	}
	return out
}

func (r Request) evidenceIdentities() []string {
	if r.Verdict == nil {
		return nil
	}
	seen := make(map[string]bool, len(r.Verdict.Evidence))
	out := make([]string, 0, len(r.Verdict.Evidence))
	for _, hit := range r.Verdict.Evidence {
		if hit.IdentityID == "" || seen[hit.IdentityID] {
			continue
		}
		seen[hit.IdentityID] = true
		out = append(out, hit.IdentityID)
	}
	return out
}
