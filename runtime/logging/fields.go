// Package logging provides shared logrus field helpers so services describe
// blocks and appointments uniformly in their output.
package logging

import (
	"github.com/PISAresearch/pisa/tower/appointment"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/sirupsen/logrus"
)

// BlockFields extracts the standard log fields of a block.
func BlockFields(b *eth1types.Block) logrus.Fields {
	return logrus.Fields{
		"number": b.Number,
		"hash":   b.Hash.TerminalString(),
		"parent": b.ParentHash.TerminalString(),
		"logs":   len(b.Logs),
		"txs":    len(b.Transactions),
	}
}

// AppointmentFields extracts the standard log fields of an appointment.
func AppointmentFields(a *appointment.Appointment) logrus.Fields {
	return logrus.Fields{
		"appointment": a.Locator().String(),
		"customer":    a.CustomerAddress.Hex(),
		"startBlock":  a.StartBlock,
		"endBlock":    a.EndBlock,
		"mode":        a.Mode,
	}
}
