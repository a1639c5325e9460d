package raft

import (
	"github.com/VictoriaMetrics/metrics"
)

// 核心指标。cmd/server 暴露的 /metrics 端点会输出它们。
var (
	electionsStartedTotal   = metrics.NewCounter("raftkv_elections_started_total")
	leaderTransitionsTotal  = metrics.NewCounter("raftkv_leader_transitions_total")
	entriesAppliedTotal     = metrics.NewCounter("raftkv_entries_applied_total")
	snapshotsSentTotal      = metrics.NewCounter("raftkv_snapshots_sent_total")
	snapshotsInstalledTotal = metrics.NewCounter("raftkv_snapshots_installed_total")
	txnCommitsTotal         = metrics.NewCounter("raftkv_txn_commits_total")
	txnConflictsTotal       = metrics.NewCounter("raftkv_txn_conflicts_total")
	leaseTimeoutsTotal      = metrics.NewCounter("raftkv_lease_timeouts_total")
)
