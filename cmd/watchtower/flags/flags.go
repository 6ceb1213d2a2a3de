// Package flags defines the command line flags specific to the watchtower
// node binary.
package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

var (
	// HTTPWeb3ProviderFlag provides an HTTP or websocket access endpoint to
	// an eth1 node.
	HTTPWeb3ProviderFlag = &cli.StringFlag{
		Name:  "http-web3provider",
		Usage: "A eth1 web3 provider string http endpoint. Can be either a http or a websocket endpoint. eg ws://localhost:8546",
		Value: "http://localhost:8545",
	}
	// RPCHost defines the host on which the customer API listens.
	RPCHost = &cli.StringFlag{
		Name:  "rpc-host",
		Usage: "Host on which the customer appointment API listens",
		Value: "0.0.0.0",
	}
	// RPCPort defines the port on which the customer API listens.
	RPCPort = &cli.IntFlag{
		Name:  "rpc-port",
		Usage: "Port on which the customer appointment API listens",
		Value: 3000,
	}
	// RPCCorsDomain defines the origins accepted by the customer API.
	RPCCorsDomain = &cli.StringFlag{
		Name:  "rpc-corsdomain",
		Usage: "Comma separated list of domains from which to accept cross origin requests (browser enforced)",
		Value: "*",
	}
	// MonitoringPortFlag defines the port used by the monitoring service.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port used to listening and respond metrics for prometheus.",
		Value: 8080,
	}
	// ResponderKeyFlag is the hex encoded private key funding the tower's
	// response transactions.
	ResponderKeyFlag = &cli.StringFlag{
		Name:  "responder-key",
		Usage: "Hex encoded private key of the account the tower responds from. Prefer --responder-key-file outside development.",
	}
	// ResponderKeyFileFlag points at a file holding the responder key.
	ResponderKeyFileFlag = &cli.StringFlag{
		Name:  "responder-key-file",
		Usage: "Path to a file containing the hex encoded private key of the account the tower responds from.",
	}
	// TowerContractFlag is the dispute contract address countersigned into
	// appointment receipts.
	TowerContractFlag = &cli.StringFlag{
		Name:  "tower-contract",
		Usage: "Address of the tower dispute contract. It is bound into every signed appointment receipt.",
	}
	// ClientStatsAPIURLFlag defines a flag for the URL to the client stats
	// endpoint where collected metrics should be sent, when set.
	ClientStatsAPIURLFlag = &cli.StringFlag{
		Name:  "clientstats-api-url",
		Usage: "Full URL to the client stats endpoint where collected metrics should be sent.",
	}
	// ScrapeIntervalFlag defines a flag for the frequency of client stats
	// scraping.
	ScrapeIntervalFlag = &cli.DurationFlag{
		Name:  "scrape-interval",
		Usage: "Frequency of scraping expressed as a duration, eg 2m or 1m5s.",
		Value: 60 * time.Second,
	}
)
