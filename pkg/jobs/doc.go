// Package jobs runs the service's periodic maintenance on cron schedules:
// the role-assignment and refresh-token retention sweeps and the audit
// archive export. The operator CLI runs the same jobs once through RunAll.
package jobs
