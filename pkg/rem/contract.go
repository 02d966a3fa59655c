package rem

import (
	"github.com/orneryd/remdb/pkg/storage"
)

// ContractTable fixes the minimum performance class each operation demands
// from an adapter. LOOKUP must be constant-time through the reverse
// mapping; FUZZY and SEARCH must be index-backed; SQL may scan, that is the
// backend planner's business; TRAVERSE needs the traversal class, which
// implies batched constant-time lookups per depth.
var ContractTable = map[storage.Op]storage.Class{
	storage.OpLookup:   storage.ClassConstant,
	storage.OpFuzzy:    storage.ClassIndexed,
	storage.OpSearch:   storage.ClassIndexed,
	storage.OpSQL:      storage.ClassScan,
	storage.OpTraverse: storage.ClassTraversal,
}

// checkContract verifies an adapter's declared conformance against the
// contract table. Operations the adapter declares unsupported are allowed;
// they fail per query with ErrUnsupported instead. What is not allowed is
// claiming support at a class below the contract.
func checkContract(a storage.Adapter) error {
	declared := a.Conformance()
	for op, required := range ContractTable {
		class, ok := declared[op]
		if !ok || class == storage.ClassUnsupported {
			continue
		}
		if !class.Satisfies(required) {
			return &ContractViolationError{
				Adapter:  a.Name(),
				Op:       op,
				Declared: class,
				Required: required,
			}
		}
	}
	return nil
}
