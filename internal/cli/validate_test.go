package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunValidate_Help(t *testing.T) {
	var buf bytes.Buffer
	if err := RunValidate([]string{"--help"}, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Usage: ingest validate") {
		t.Errorf("expected usage, got %q", buf.String())
	}
}

func TestRunValidate_Valid(t *testing.T) {
	path := writeJob(t, testJob)
	var buf bytes.Buffer
	if err := RunValidate([]string{path}, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		path + ": ok",
		"job:      drivers",
		"source:   kafka://broker-1:9092/driver-events",
		"group:    ingest_job_drivers",
		"dataset:  driver_stats v2",
		"fields:   3",
		"rules:    1",
		"success:  driver-features",
		"failure:  ingest-failed-drivers",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunValidate_FromConfigEnv(t *testing.T) {
	t.Setenv("INGEST_CONFIG", writeJob(t, testJob))
	var buf bytes.Buffer
	if err := RunValidate(nil, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), ": ok") {
		t.Errorf("expected ok, got %q", buf.String())
	}
}

func TestRunValidate_Invalid(t *testing.T) {
	good := writeJob(t, testJob)
	bad := writeJob(t, strings.Replace(testJob, "name: drivers\n", "", 1))

	var buf bytes.Buffer
	err := RunValidate([]string{good, bad}, &buf)
	if err == nil {
		t.Fatal("expected error for invalid definition")
	}
	if !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("expected count in error, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, bad+": INVALID") || !strings.Contains(out, "name is required") {
		t.Errorf("expected invalid report, got:\n%s", out)
	}
}

func TestRunValidate_BadRule(t *testing.T) {
	path := writeJob(t, strings.Replace(testJob, "fields.driver_id > 0", `"'driver'"`, 1))
	var buf bytes.Buffer
	if err := RunValidate([]string{path}, &buf); err == nil {
		t.Fatal("expected error for non-bool rule")
	}
	if !strings.Contains(buf.String(), "must return bool") {
		t.Errorf("expected rule error, got:\n%s", buf.String())
	}
}

func TestRunValidate_UnknownFlag(t *testing.T) {
	if err := RunValidate([]string{"--strict"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
