package scheduler

// State is the input to policy selection.
type State struct {
	PackageInstalled   bool
	AutoUpdateOptIn    bool
	AttachmentsEnabled bool
}

// Jobs supplies the work behind each policy.
type Jobs struct {
	Update  Job
	Cleanup Job
	Retry   *RetryPolicy
}

// AutoUpdate re-downloads the installed bot every 6 hours on an unmetered
// network with a healthy battery.
func AutoUpdate(job Job, retry *RetryPolicy) Policy {
	return Policy{
		Name:    AutoUpdateName,
		Cadence: Every6Hours,
		Constraints: Constraints{
			RequireUnmetered:     true,
			RequireBatteryNotLow: true,
		},
		Job:   job,
		Retry: retry,
	}
}

// AttachmentCleanup purges expired attachments every 6 hours regardless of
// network or battery.
func AttachmentCleanup(job Job) Policy {
	return Policy{
		Name:    AttachmentCleanupName,
		Cadence: Every6Hours,
		Job:     job,
	}
}

// Desired returns the policies that should be scheduled for st. Auto-update
// needs an installed package and the user's opt-in; cleanup needs the
// attachment capability.
func Desired(st State, jobs Jobs) []Policy {
	var out []Policy
	if st.PackageInstalled && st.AutoUpdateOptIn && jobs.Update != nil {
		out = append(out, AutoUpdate(jobs.Update, jobs.Retry))
	}
	if st.AttachmentsEnabled && jobs.Cleanup != nil {
		out = append(out, AttachmentCleanup(jobs.Cleanup))
	}
	return out
}
