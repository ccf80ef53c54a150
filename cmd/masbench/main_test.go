package main

import "testing"

func TestDispatchUnknownCommand(t *testing.T) {
	if code := run([]string{"masbench", "frobnicate"}); code != exitInvalidInput {
		t.Fatalf("unknown command exit: %d", code)
	}
}

func TestDispatchVersion(t *testing.T) {
	if code := run([]string{"masbench", "version"}); code != exitOK {
		t.Fatalf("version exit: %d", code)
	}
}

func TestDispatchOracles(t *testing.T) {
	if code := run([]string{"masbench", "oracles"}); code != exitOK {
		t.Fatalf("oracles exit: %d", code)
	}
}

func TestRunEpisodeRequiresFlags(t *testing.T) {
	if code := runEpisodeCommand(nil); code != exitInvalidInput {
		t.Fatalf("missing flags exit: %d", code)
	}
}
