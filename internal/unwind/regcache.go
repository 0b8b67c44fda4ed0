package unwind

import "fmt"

// ErrUnsupportedUnwindRule is returned for any CFA or register rule this
// unwinder doesn't implement: a DWARF expression-based CFA rule, and any
// register restore rule other than undefined/offset.
var ErrUnsupportedUnwindRule = fmt.Errorf("unsupported unwind rule")

// CFARuleKind distinguishes the two CFA rule shapes a debug_frame row can
// carry. Only RegisterAndOffset is implemented; Expression always fails.
type CFARuleKind int

const (
	CFARegisterAndOffset CFARuleKind = iota
	CFAExpression
)

// CFARule computes the Canonical Frame Address for a row.
type CFARule struct {
	Kind     CFARuleKind
	Register uint16
	Offset   int64
}

// RegisterRuleKind distinguishes the register-restore rule shapes. Only
// Undefined and Offset are handled; Undefined must never be applied (the
// unwinder only ever calls Update for rules present in a row, and a row
// never carries Undefined for a register it restores).
type RegisterRuleKind int

const (
	RuleUndefined RegisterRuleKind = iota
	RuleOffset
)

// RegisterRule describes how to recover one callee-saved register's value
// at the caller's frame.
type RegisterRule struct {
	Kind   RegisterRuleKind
	Offset int64
}

// RegisterCache is a lazily-populated map from architectural register
// number to its current value during one backtrace walk. SP's entry
// doubles as the current CFA: update_cfa always writes it through here.
type RegisterCache struct {
	values map[uint16]uint32
	core   Core
}

// NewRegisterCache seeds the cache with the live LR and SP, as required
// before the first frame's CFA can be computed.
func NewRegisterCache(core Core, lr, sp uint32) *RegisterCache {
	return &RegisterCache{
		values: map[uint16]uint32{
			RegLR: lr,
			RegSP: sp,
		},
		core: core,
	}
}

// Get returns the cached value for reg, reading it from the live core and
// caching the result on first access.
func (rc *RegisterCache) Get(reg uint16) (uint32, error) {
	if v, ok := rc.values[reg]; ok {
		return v, nil
	}
	v, err := rc.core.ReadCoreReg(reg)
	if err != nil {
		return 0, fmt.Errorf("reading register %d: %w", reg, err)
	}
	rc.values[reg] = v
	return v, nil
}

// Insert overwrites the cached value for reg, used when reconstructing
// caller registers from a stacked exception frame.
func (rc *RegisterCache) Insert(reg uint16, val uint32) {
	rc.values[reg] = val
}

// UpdateCFA applies rule and stores the result under SP's slot, returning
// whether the CFA changed from its previous value.
func (rc *RegisterCache) UpdateCFA(rule CFARule) (changed bool, err error) {
	if rule.Kind != CFARegisterAndOffset {
		return false, ErrUnsupportedUnwindRule
	}

	base, err := rc.Get(rule.Register)
	if err != nil {
		return false, err
	}
	cfa := uint32(int64(base) + rule.Offset)

	old, had := rc.values[RegSP]
	changed = !had || old != cfa
	rc.values[RegSP] = cfa
	return changed, nil
}

// Update applies a register-restore rule, reading from target memory at
// CFA+offset for an Offset rule.
func (rc *RegisterCache) Update(reg uint16, rule RegisterRule) error {
	switch rule.Kind {
	case RuleUndefined:
		// Never invoked by the unwinder: a row only carries rules for
		// registers it restores.
		panic("unwind: RegisterRule.Undefined must not be applied")
	case RuleOffset:
		cfa, err := rc.Get(RegSP)
		if err != nil {
			return err
		}
		addr := uint32(int64(cfa) + rule.Offset)
		v, err := rc.core.ReadWord32(addr)
		if err != nil {
			return fmt.Errorf("reading restored register %d at 0x%08x: %w", reg, addr, err)
		}
		rc.values[reg] = v
		return nil
	default:
		return ErrUnsupportedUnwindRule
	}
}
