package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
)

var (
	app = kingpin.New("accessguard", "Inspect and manage agent permissions")

	storageDir = app.Flag("storage-dir", "Local storage directory of the server").Default(".accessguard/data").Envar("ACCESSGUARD_STORAGE_BASE_DIR").String()
	// Policy flags override the ACCESSGUARD_* policy env the server reads.
	homeDir        = app.Flag("home", "Home directory used by the home deny-rules").String()
	appsDir        = app.Flag("apps-dir", "Root of the per-app trees").String()
	appPolicyFiles = app.Flag("app-policy-file", "App policy file name (repeatable)").Strings()
	sensitivePaths = app.Flag("sensitive-path", "Extra sensitive path pattern (repeatable)").Strings()

	parseCmd   = app.Command("parse", "Parse permission strings")
	parsePerms = parseCmd.Arg("permission", "Permission such as @web or @read:/path").Required().Strings()

	checkCmd   = app.Command("check", "Check whether an agent may read or write a path")
	checkKind  = checkCmd.Arg("kind", "Access kind").Required().Enum("read", "write")
	checkPath  = checkCmd.Arg("path", "Absolute path").Required().String()
	checkAgent = checkCmd.Flag("agent", "Agent ID").Required().String()

	readCmd   = app.Command("read", "Print a file through a handle opened with an agent's permissions")
	readPath  = readCmd.Arg("path", "Absolute path").Required().String()
	readAgent = readCmd.Flag("agent", "Agent ID").Required().String()

	gateCmd     = app.Command("gate", "Evaluate a gate definition for an agent")
	gateFile    = gateCmd.Arg("definition", "Gate definition YAML file").Required().ExistingFile()
	gateAgent   = gateCmd.Flag("agent", "Agent ID").Required().String()
	gateWorkDir = gateCmd.Flag("working-dir", "Working directory override").String()
	gateSandbox = gateCmd.Flag("sandbox", "Sandbox wrapper").Default("bwrap").Envar("ACCESSGUARD_SANDBOX").Enum("bwrap", "none")

	grantCmd    = app.Command("grant", "Persist permissions on an agent")
	grantAgent  = grantCmd.Flag("agent", "Agent ID").Required().String()
	grantDryRun = grantCmd.Flag("dry-run", "Show the diff without writing").Bool()
	grantPerms  = grantCmd.Arg("permission", "Permission to grant").Required().Strings()

	decideCmd    = app.Command("decide", "Answer a pending permission request")
	decideToken  = decideCmd.Arg("token", "Request token").Required().String()
	decideAnswer = decideCmd.Arg("answer", "approve or deny").Required().Enum("approve", "deny")
	decideScope  = decideCmd.Flag("scope", "Approval scope").Default("now").Enum("now", "always")
	decidePerms  = decideCmd.Flag("perm", "Approve only this permission (repeatable)").Strings()
	decideServer = decideCmd.Flag("server", "Server URL").Default("http://localhost:3200").Envar("ACCESSGUARD_SERVER_URL").String()
	decideAPIKey = decideCmd.Flag("api-key", "API key").Envar("ACCESSGUARD_API_KEY").Required().String()
)

// errDenied makes the process exit 1 without printing anything more.
var errDenied = errors.New("denied")

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case parseCmd.FullCommand():
		err = runParse(*parsePerms)
	case checkCmd.FullCommand():
		err = runCheck(ctx, *checkAgent, *checkKind, *checkPath)
	case readCmd.FullCommand():
		err = runRead(ctx, os.Stdout, *readAgent, *readPath)
	case gateCmd.FullCommand():
		err = runGate(ctx, *gateAgent, *gateFile, *gateWorkDir, *gateSandbox)
	case grantCmd.FullCommand():
		err = runGrant(ctx, *grantAgent, *grantPerms, *grantDryRun)
	case decideCmd.FullCommand():
		err = runDecide(ctx, *decideServer, *decideAPIKey, *decideToken, *decideAnswer == "approve", *decideScope, *decidePerms)
	}
	if errors.Is(err, errDenied) {
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}
