// Package ledger hosts auction contract instances.
//
// A host owns the durable key-value state of every contract instance and the
// token balances the instances move. Each Invoke runs one contract call inside
// a transaction: store writes, balance changes and emitted events become
// visible together when the call returns nil, and are discarded otherwise.
//
// Two hosts are provided: Memory, for tests and single-process deployments,
// and Postgres, which persists state and balances with lib/pq.
package ledger
