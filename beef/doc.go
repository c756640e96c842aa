// Package beef stores BEEF (Background Evaluation Extended Format, BRC-96)
// documents keyed by transaction id. The proof aggregator reads merkle paths
// and ancestor transactions from here, and the proof-check task refreshes
// them when a transaction gets mined.
//
// Storage layers are stacked from a connection string list; each layer
// answers what it holds and falls through to the next one on a miss,
// caching the answer on the way back:
//
//	store, err := beef.CreateBeefStorage(`["lru://?size=100mb", "redis://localhost:6379", "junglebus://"]`)
//	beefBytes, err := store.LoadBeef(ctx, txid)
//
// UpdateMerklePath travels the same stack downwards until a layer (usually
// JungleBus) can supply a BEEF whose merkle path the chain tracker accepts.
//
// Wrappers:
//   - DedupBeefStorage collapses concurrent loads of the same txid
//   - ValidatingBeefStorage re-verifies merkle paths on load
package beef
