package acceptance

import (
	"os"
	"testing"

	"github.com/cucumber/godog"
)

func runSuite(t *testing.T, defaultTags string) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping acceptance tests in short mode")
	}

	tags := os.Getenv("GODOG_TAGS")
	if tags == "" {
		tags = defaultTags
	} else {
		tags = tags + "&&~@wip"
	}

	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Tags:     tags,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("acceptance tests failed")
	}
}

// TestFeatures runs all Gherkin acceptance tests
func TestFeatures(t *testing.T) {
	runSuite(t, "~@wip")
}

// TestSmokeFeatures runs only smoke tests (quick verification)
func TestSmokeFeatures(t *testing.T) {
	runSuite(t, "@smoke&&~@wip")
}

// InitializeScenario sets up step definitions
func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &TestContext{}

	ctx.Before(tc.reset)
	ctx.After(tc.cleanup)

	// Network steps
	ctx.Step(`^a shared store with peers "([^"]*)"$`, tc.sharedPeers)
	ctx.Step(`^isolated peers "([^"]*)"$`, tc.isolatedPeers)

	// Conversation steps
	ctx.Step(`^"(\w+)" starts conversation "([^"]*)" with "([^"]*)"$`, tc.startConversation)
	ctx.Step(`^"(\w+)" starts conversation "([^"]*)"$`, tc.startConversationAlone)
	ctx.Step(`^"(\w+)" posts "([^"]*)"$`, tc.post)
	ctx.Step(`^"(\w+)" posts (\d+) messages$`, tc.postMany)
	ctx.Step(`^"(\w+)" reads the conversation$`, tc.read)
	ctx.Step(`^the read holds (\d+) messages$`, tc.readHolds)
	ctx.Step(`^"([^"]*)" comes before "([^"]*)"$`, tc.comesBefore)
	ctx.Step(`^every peer sees the same (\d+) messages$`, tc.everyPeerSees)

	// Pagination steps
	ctx.Step(`^"(\w+)" reads in pages of (\d+)$`, tc.readPages)
	ctx.Step(`^"(\w+)" reads in pages of (\d+) after the first message$`, tc.readPagesAfterFirst)
	ctx.Step(`^there are (\d+) pages$`, tc.pageCount)
	ctx.Step(`^the pages together hold every message in posting order$`, tc.pagesInOrder)
	ctx.Step(`^the pages together hold every message after the first in posting order$`, tc.pagesAfterFirstInOrder)
	ctx.Step(`^only the last page reports no more messages$`, tc.lastPageComplete)

	// Replication steps
	ctx.Step(`^"(\w+)" sends a bundle to "(\w+)"$`, tc.sendBundle)
	ctx.Step(`^"(\w+)" has (\d+) entries in its local log$`, tc.localLogSize)
}

// Step implementations are in steps.go
