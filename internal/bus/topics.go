package bus

// Dependency-propagation topic: published when a task's failure causes one
// or more dependents to be transitioned to BLOCKED.
const (
	TopicDependencyBlocked = "dependency.blocked"
)

// DependencyBlockedEvent is published once per dependent task blocked by a
// failed or dead-lettered dependency.
type DependencyBlockedEvent struct {
	TaskID       string // the dependent task that was blocked
	DependencyID string // the dependency that failed or is missing
	ReasonCode   string // always "dep_failed"
}
