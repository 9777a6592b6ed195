package core

// Policy bundles the failure-handling tunables a coordinator needs,
// loaded from config.CoordinatorPolicyConfig at spawn time.
type Policy struct {
	Backoff         BackoffPolicy
	InputFailureCap int
}
