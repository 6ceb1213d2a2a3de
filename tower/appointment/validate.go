package appointment

import (
	"github.com/PISAresearch/pisa/config/params"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// ErrInvalidAppointment marks a request that fails semantic validation. The
// wrapping message names the failing rule.
var ErrInvalidAppointment = errors.New("invalid appointment")

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidAppointment, format, args...)
}

// ValidateRequest applies the acceptance rules to a submitted appointment
// given the tower's contract address and current head height.
func (a *Appointment) ValidateRequest(towerContract common.Address, head uint64) error {
	cfg := params.TowerConfig()
	if err := a.VerifyCustomerSignature(towerContract); err != nil {
		return errors.Wrap(ErrInvalidAppointment, err.Error())
	}
	if a.StartBlock+cfg.AppointmentStartWindow < head {
		return invalidf("start block %d is more than %d blocks behind head %d", a.StartBlock, cfg.AppointmentStartWindow, head)
	}
	if a.StartBlock > head+cfg.AppointmentStartWindow {
		return invalidf("start block %d is more than %d blocks ahead of head %d", a.StartBlock, cfg.AppointmentStartWindow, head)
	}
	if a.EndBlock <= a.StartBlock {
		return invalidf("end block %d is not after start block %d", a.EndBlock, a.StartBlock)
	}
	if a.EndBlock-a.StartBlock > cfg.MaxAppointmentDuration {
		return invalidf("appointment spans %d blocks, limit is %d", a.EndBlock-a.StartBlock, cfg.MaxAppointmentDuration)
	}
	if len(a.Topics) > MaxTopics {
		return invalidf("%d topics, limit is %d", len(a.Topics), MaxTopics)
	}
	switch a.Mode {
	case ModeRelay:
		if a.EventAddress != (common.Address{}) || len(a.Topics) != 0 {
			return invalidf("relay mode forbids an event filter")
		}
	case ModeEvent:
	default:
		return invalidf("unknown mode %d", a.Mode)
	}
	if a.GasLimit > cfg.MaxResponderGasLimit {
		return invalidf("gas limit %d exceeds maximum %d", a.GasLimit, cfg.MaxResponderGasLimit)
	}
	return nil
}
