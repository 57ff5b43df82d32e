package commands

import (
	"errors"

	"github.com/quarryhq/quarry/pkg/engine"
)

// Exit codes distinguish the gate that stopped a run, so scripted
// callers can branch without parsing output.
const (
	ExitOK                  = 0
	ExitGeneric             = 1
	ExitValidationFailure   = 2
	ExitLockHeld            = 3
	ExitProvisioningFailure = 4
	ExitBudgetExceeded      = 5
)

// ExitCode maps a command error to its exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var validation *engine.ValidationError
	if errors.As(err, &validation) {
		return ExitValidationFailure
	}
	var lockHeld *engine.LockHeldError
	if errors.As(err, &lockHeld) {
		return ExitLockHeld
	}
	var provisioning *engine.ProvisioningError
	if errors.As(err, &provisioning) {
		return ExitProvisioningFailure
	}
	var budget *engine.BudgetExceededError
	if errors.As(err, &budget) {
		return ExitBudgetExceeded
	}
	return ExitGeneric
}
