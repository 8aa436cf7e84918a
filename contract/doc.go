// Package contract defines the declarative skill contract, its strict YAML
// loader and the Registry that caches contracts and execution modes.
//
// A contract is the authority on what a skill may do: its autonomy ceiling,
// timeout, retry and idempotency policy, fix-loop bound, schemas, required
// artifacts and optional multi-turn behaviour. Contract sources reject any
// undeclared field at load time.
//
//	reg := contract.NewRegistry(contract.NewDirSource("contracts"))
//	c, err := reg.Get("fetch_docs")
package contract
