// Package replication converges each object's pinned replicas toward the
// target its policy and access pattern demand.
//
// ApplyPolicy selects the best-fit policy, adds an access-derived bonus
// to the policy minimum, caps at the maximum, and pins the first N
// candidate regions. Partial pin failure records degraded health rather
// than aborting; a later verification sweep re-applies the policy to
// repair. EvaluateForAdjustment runs after every access-count update and
// moves the replica count by at most one step per evaluation, logging
// the reason for each step.
package replication
