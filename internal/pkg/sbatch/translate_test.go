package sbatch

import (
	"reflect"
	"strings"
	"testing"

	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

func TestTranslateBasicDirectives(t *testing.T) {
	script := `#!/bin/bash
#SBATCH --job-name=foo
#SBATCH --time=30
srun hostname
`
	job, err := Translate(NewTable(), script, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if job["name"] != "foo" {
		t.Errorf(`job["name"] = %v, want "foo"`, job["name"])
	}
	if job["time_limit"] != "30" {
		t.Errorf(`job["time_limit"] = %v, want "30"`, job["time_limit"])
	}
}

func TestTranslateOrderIndependent(t *testing.T) {
	a := "#SBATCH --partition=gpu\n#SBATCH -n 4\n#SBATCH --mem=16G\n"
	b := "#SBATCH --mem=16G\n#SBATCH --partition=gpu\n#SBATCH -n 4\n"

	table := NewTable()
	ja, err := Translate(table, a, nil)
	if err != nil {
		t.Fatalf("Translate a: %v", err)
	}
	jb, err := Translate(table, b, nil)
	if err != nil {
		t.Fatalf("Translate b: %v", err)
	}
	if !reflect.DeepEqual(ja, jb) {
		t.Errorf("flag ordering changed the result: %v vs %v", ja, jb)
	}
	if ja["tasks"] != 4 {
		t.Errorf("tasks = %v (%T), want int 4", ja["tasks"], ja["tasks"])
	}
}

func TestTranslateUnknownFlagsEnumerated(t *testing.T) {
	script := "#SBATCH --job-name=foo --frobnicate --time=30 -Z\n"
	_, err := Translate(NewTable(), script, nil)
	if err == nil {
		t.Fatal("expected failure on unrecognized flags")
	}
	if !errors.IsData(err) {
		t.Errorf("expected DataError, got %T", err)
	}
	msg := err.Error()
	for _, want := range []string{"--frobnicate", "-Z"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should enumerate %q", msg, want)
		}
	}
	for _, recognized := range []string{"job-name", "time"} {
		if strings.Contains(msg, recognized) {
			t.Errorf("error %q must not list recognized flag %q", msg, recognized)
		}
	}
}

func TestTranslateOverridesAreTheBase(t *testing.T) {
	script := "#SBATCH --output=/scratch/custom.out\n"
	overrides := map[string]any{
		"name":            "computed-name",
		"standard_output": "/work/default.out",
		"standard_error":  "/work/default.err",
	}
	job, err := Translate(NewTable(), script, overrides)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	// Parsed directives win over the supplied defaults.
	if job["standard_output"] != "/scratch/custom.out" {
		t.Errorf("standard_output = %v, script value should win", job["standard_output"])
	}
	// Defaults survive where the script is silent.
	if job["name"] != "computed-name" || job["standard_error"] != "/work/default.err" {
		t.Errorf("override base lost: %v", job)
	}
}

func TestTranslateQuotingAndInlineComments(t *testing.T) {
	script := `#SBATCH --job-name='my job' --comment="two words"  # trailing note
#SBATCH --partition=debug # pick the short queue
`
	job, err := Translate(NewTable(), script, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if job["name"] != "my job" {
		t.Errorf("single-quoted value mangled: %v", job["name"])
	}
	if job["comment"] != "two words" {
		t.Errorf("double-quoted value mangled: %v", job["comment"])
	}
	if job["partition"] != "debug" {
		t.Errorf("inline comment not stripped: %v", job["partition"])
	}
}

func TestTranslateBooleanPresence(t *testing.T) {
	job, err := Translate(NewTable(), "#SBATCH --exclusive --requeue\n", nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if job["exclusive"] != true || job["requeue"] != true {
		t.Errorf("boolean flags not mapped to true: %v", job)
	}
}

func TestTranslateDirectiveOnlyFlagsDropped(t *testing.T) {
	job, err := Translate(NewTable(), "#SBATCH --wait --parsable --job-name=foo\n", nil)
	if err != nil {
		t.Fatalf("flags without a REST equivalent must not fail: %v", err)
	}
	if len(job) != 1 || job["name"] != "foo" {
		t.Errorf("directive-only flags leaked into the payload: %v", job)
	}
}

func TestTranslateShortFlags(t *testing.T) {
	job, err := Translate(NewTable(), "#SBATCH -J foo -t 1:00:00 -c 8\n", nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if job["name"] != "foo" || job["time_limit"] != "1:00:00" || job["cpus_per_task"] != 8 {
		t.Errorf("short flags mistranslated: %v", job)
	}
}

func TestTranslateUnterminatedQuoteFails(t *testing.T) {
	_, err := Translate(NewTable(), "#SBATCH --job-name='broken\n", nil)
	if err == nil || !errors.IsData(err) {
		t.Fatalf("expected DataError for unterminated quote, got %v", err)
	}
}

func TestTranslateIgnoresNonDirectiveLines(t *testing.T) {
	script := `#!/bin/bash
# SBATCH --job-name=commented-out
#SBATCHX --job-name=bad-marker
echo '#SBATCH --job-name=not-a-directive'
`
	job, err := Translate(NewTable(), script, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(job) != 0 {
		t.Errorf("non-directive lines produced parameters: %v", job)
	}
}

func TestSplitTokens(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`--job-name=foo --time 30`, []string{"--job-name=foo", "--time", "30"}},
		{`--comment="a b" -p 'q r'`, []string{`--comment=a b`, "-p", "q r"}},
		{`a\ b c`, []string{"a b", "c"}},
	}
	for _, tc := range cases {
		got, err := splitTokens(tc.in)
		if err != nil {
			t.Fatalf("splitTokens(%q): %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitTokens(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
