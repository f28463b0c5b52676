package dispatcher_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/VDDPI/VDDPI/trust/digester"
	"github.com/VDDPI/VDDPI/trust/dispatcher"
	"github.com/VDDPI/VDDPI/trust/journal"
	"github.com/VDDPI/VDDPI/trust/reftable"
	"github.com/VDDPI/VDDPI/trust/report"
	"github.com/VDDPI/VDDPI/trust/verifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	mainSource    = []byte("import sys\nprint('main')\n")
	genCertSource = []byte("import asn1\nprint('gencert')\n")
)

type fakeInterpreter struct {
	calls [][]string
	code  int
	err   error
}

func (fi *fakeInterpreter) Run(_ context.Context, argv []string) (int, error) {
	fi.calls = append(fi.calls, append([]string{}, argv...))

	return fi.code, fi.err
}

type memRecorder struct {
	records []journal.Record
	err     error
}

func (mr *memRecorder) Append(rec journal.Record) error {
	mr.records = append(mr.records, rec)

	return mr.err
}

type fixture struct {
	dir    string
	out    *bytes.Buffer
	interp *fakeInterpreter
	rec    *memRecorder
	disp   *dispatcher.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()

	mainDigest, err := digester.SumBytes(mainSource, digester.SHA256)
	require.NoError(t, err)

	genCertDigest, err := digester.SumBytes(genCertSource, digester.SHA256)
	require.NoError(t, err)

	tb, err := reftable.New(
		reftable.Entry{
			ID:     reftable.Main,
			Path:   "./code/main.py",
			Label:  "data processing program",
			Digest: mainDigest,
		},
		reftable.Entry{
			ID:     reftable.GenCert,
			Path:   "gen_cert.py",
			Label:  "certificate issuance program",
			Digest: genCertDigest,
		},
	)
	require.NoError(t, err)

	write(t, dir, "code/main.py", mainSource)
	write(t, dir, "gen_cert.py", genCertSource)

	fx := &fixture{
		dir:    dir,
		out:    &bytes.Buffer{},
		interp: &fakeInterpreter{},
		rec:    &memRecorder{},
	}

	fx.disp = dispatcher.New(tb, &verifier.Verifier{Out: fx.out, Root: dir}, fx.interp)
	fx.disp.Recorder = fx.rec

	return fx
}

func write(t *testing.T, dir, name string, content []byte) {
	t.Helper()

	pa := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(pa), 0o755))
	require.NoError(t, os.WriteFile(pa, content, 0o600))
}

func corrupt(t *testing.T, dir, name string, source []byte) {
	t.Helper()

	flipped := append([]byte{}, source...)
	flipped[len(flipped)-2] ^= 0x01
	write(t, dir, name, flipped)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		argv []string
		want dispatcher.Kind
	}{
		{"no args", []string{"./python"}, dispatcher.KindRunMain},
		{"empty argv", nil, dispatcher.KindRunMain},
		{"script", []string{"./python", "./code/main.py", "--in", "x"}, dispatcher.KindRunMain},
		{"gencert", []string{"./python", "-gencert"}, dispatcher.KindIssueCert},
		{"gencert trailing", []string{"./python", "-gencert", "a", "b"}, dispatcher.KindIssueCert},
		{"gencert not first", []string{"./python", "x", "-gencert"}, dispatcher.KindRunMain},
		{"gencert prefix only", []string{"./python", "-gencertx"}, dispatcher.KindRunMain},
		{"sysconfig", []string{"./python", "-E", "-S", "-m", "sysconfig"}, dispatcher.KindBuildSysconfig},
		{"sysconfig trailing", []string{"./python", "-E", "-S", "-m", "sysconfig", "--generate-posix-vars"}, dispatcher.KindBuildSysconfig},
		{"setup build", []string{"./python", "-E", "./setup.py", "build"}, dispatcher.KindBuildSetup},
		{"setup install", []string{"./python", "-E", "./setup.py", "install", "--prefix=/usr"}, dispatcher.KindInstallSetup},
		{"ensurepip", []string{"./python", "-E", "-m", "ensurepip"}, dispatcher.KindEnsurepip},
		{"truncated shape", []string{"./python", "-E", "-m"}, dispatcher.KindRunMain},
		{"longer element", []string{"./python", "-Ex", "-m", "ensurepip"}, dispatcher.KindRunMain},
		{"other module", []string{"./python", "-E", "-m", "pip"}, dispatcher.KindRunMain},
		{"setup other cmd", []string{"./python", "-E", "./setup.py", "test"}, dispatcher.KindRunMain},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, dispatcher.Classify(tc.argv), tc.name)
	}
}

func TestKind_Bypass(t *testing.T) {
	t.Parallel()

	assert.False(t, dispatcher.KindRunMain.Bypass())
	assert.False(t, dispatcher.KindIssueCert.Bypass())
	assert.True(t, dispatcher.KindBuildSysconfig.Bypass())
	assert.True(t, dispatcher.KindBuildSetup.Bypass())
	assert.True(t, dispatcher.KindInstallSetup.Bypass())
	assert.True(t, dispatcher.KindEnsurepip.Bypass())
}

func TestRun_verified_main_launches_with_argv_unchanged(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.interp.code = 5

	argv := []string{"./python", "./code/main.py", "--input", "data.csv"}
	code := fx.disp.Run(context.Background(), argv)

	assert.Equal(t, 5, code)
	require.Len(t, fx.interp.calls, 1)
	assert.Equal(t, argv, fx.interp.calls[0])

	blocks := report.Extract(fx.out.String())
	require.Len(t, blocks, 1)
	assert.Equal(t,
		"Successfully verified the hash value of the data processing program!",
		blocks[0][0],
	)

	require.Len(t, fx.rec.records, 1)
	assert.Equal(t, "run_main", fx.rec.records[0].Invocation)
	assert.Equal(t, "verified", fx.rec.records[0].Status)
	assert.True(t, fx.rec.records[0].Launched)
}

func TestRun_tampered_main_is_rejected(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	corrupt(t, fx.dir, "code/main.py", mainSource)

	code := fx.disp.Run(context.Background(), []string{"./python", "./code/main.py"})

	assert.Equal(t, dispatcher.ExitRejected, code)
	assert.Empty(t, fx.interp.calls)

	blocks := report.Extract(fx.out.String())
	require.Len(t, blocks, 1)
	assert.Equal(t, []string{
		"Verification of hash value failed.",
		"./code/main.py is not an appropriate data processing program.",
	}, blocks[0])

	require.Len(t, fx.rec.records, 1)
	assert.Equal(t, "mismatch", fx.rec.records[0].Status)
	assert.False(t, fx.rec.records[0].Launched)
	assert.NotEmpty(t, fx.rec.records[0].Actual)
}

func TestRun_gencert_rewrites_args(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	code := fx.disp.Run(
		context.Background(),
		[]string{"./python", "-gencert", "extra", "--ignored"},
	)

	assert.Equal(t, 0, code)
	require.Len(t, fx.interp.calls, 1)
	assert.Equal(t, []string{"./python", "gen_cert.py"}, fx.interp.calls[0])
	assert.Contains(t, fx.out.String(), "certificate issuance program!")
}

func TestRun_tampered_gencert_is_rejected(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	corrupt(t, fx.dir, "gen_cert.py", genCertSource)

	code := fx.disp.Run(context.Background(), []string{"./python", "-gencert"})

	assert.Equal(t, dispatcher.ExitRejected, code)
	assert.Empty(t, fx.interp.calls)
	assert.Contains(t, fx.out.String(),
		"gen_cert.py is not an appropriate certificate issuance program.")
}

func TestRun_build_shapes_skip_verification(t *testing.T) {
	t.Parallel()

	shapes := [][]string{
		{"./python", "-E", "-S", "-m", "sysconfig"},
		{"./python", "-E", "./setup.py", "build"},
		{"./python", "-E", "./setup.py", "install"},
		{"./python", "-E", "-m", "ensurepip"},
	}

	for _, argv := range shapes {
		fx := newFixture(t)
		corrupt(t, fx.dir, "code/main.py", mainSource)
		corrupt(t, fx.dir, "gen_cert.py", genCertSource)

		code := fx.disp.Run(context.Background(), argv)

		assert.Equal(t, 0, code, argv)
		require.Len(t, fx.interp.calls, 1, argv)
		assert.Equal(t, argv, fx.interp.calls[0])
		assert.Empty(t, fx.out.String(), argv)

		require.Len(t, fx.rec.records, 1)
		assert.Empty(t, fx.rec.records[0].Status)
		assert.True(t, fx.rec.records[0].Launched)
	}
}

func TestRun_missing_program_fails_open_by_default(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	require.NoError(t, os.Remove(filepath.Join(fx.dir, "code/main.py")))

	code := fx.disp.Run(context.Background(), []string{"./python"})

	assert.Equal(t, 0, code)
	assert.Len(t, fx.interp.calls, 1)
	assert.Empty(t, fx.out.String())
	require.Len(t, fx.rec.records, 1)
	assert.Equal(t, "file_absent", fx.rec.records[0].Status)
	assert.NotEmpty(t, fx.rec.records[0].Error)
}

func TestRun_missing_program_denied(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.disp.Verifier.Missing = verifier.MissingDeny
	require.NoError(t, os.Remove(filepath.Join(fx.dir, "gen_cert.py")))

	code := fx.disp.Run(context.Background(), []string{"./python", "-gencert"})

	assert.Equal(t, dispatcher.ExitRejected, code)
	assert.Empty(t, fx.interp.calls)
}

func TestRun_unreadable_program_is_rejected(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	pa := filepath.Join(fx.dir, "code/main.py")
	require.NoError(t, os.Remove(pa))
	require.NoError(t, os.Mkdir(pa, 0o755))

	code := fx.disp.Run(context.Background(), []string{"./python"})

	assert.Equal(t, dispatcher.ExitRejected, code)
	assert.Empty(t, fx.interp.calls)
	require.Len(t, fx.rec.records, 1)
	assert.Equal(t, "io_failure", fx.rec.records[0].Status)
}

func TestRun_interpreter_start_failure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.interp.err = errors.New("no such interpreter")

	code := fx.disp.Run(context.Background(), []string{"./python"})

	assert.Equal(t, dispatcher.ExitRejected, code)

	require.Len(t, fx.rec.records, 1)
	rec := fx.rec.records[0]
	assert.Equal(t, "verified", rec.Status)
	assert.False(t, rec.Launched)
	assert.Nil(t, rec.ExitCode)
	assert.Contains(t, rec.Error, "no such interpreter")
}

func TestRun_journals_exit_code(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.interp.code = 42

	code := fx.disp.Run(context.Background(), []string{"./python", "./code/main.py"})

	assert.Equal(t, 42, code)

	require.Len(t, fx.rec.records, 1)
	rec := fx.rec.records[0]
	assert.True(t, rec.Launched)
	assert.Empty(t, rec.Error)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 42, *rec.ExitCode)
}

func TestRun_start_failure_keeps_verification_error(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.interp.err = errors.New("no such interpreter")
	require.NoError(t, os.Remove(filepath.Join(fx.dir, "code/main.py")))

	code := fx.disp.Run(context.Background(), []string{"./python"})

	assert.Equal(t, dispatcher.ExitRejected, code)

	require.Len(t, fx.rec.records, 1)
	rec := fx.rec.records[0]
	assert.Equal(t, "file_absent", rec.Status)
	assert.Contains(t, rec.Error, "program file absent")
	assert.Contains(t, rec.Error, "no such interpreter")
}

// replacingInterpreter stands in for an exec-in-place
// interpreter and notes how many records existed when it
// was called.
type replacingInterpreter struct {
	fakeInterpreter

	rec  *memRecorder
	seen int
}

func (ri *replacingInterpreter) Run(ctx context.Context, argv []string) (int, error) {
	ri.seen = len(ri.rec.records)

	return ri.fakeInterpreter.Run(ctx, argv)
}

func (ri *replacingInterpreter) ReplacesImage() bool { return true }

func TestRun_image_replacement_journals_before_exec(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ri := &replacingInterpreter{rec: fx.rec}
	fx.disp.Interpreter = ri

	code := fx.disp.Run(context.Background(), []string{"./python", "-gencert"})

	assert.Equal(t, 0, code)
	assert.Equal(t, 1, ri.seen)

	require.Len(t, fx.rec.records, 1)
	rec := fx.rec.records[0]
	assert.True(t, rec.Launched)
	assert.Nil(t, rec.ExitCode)
}

func TestRun_image_replacement_failure_is_journaled(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ri := &replacingInterpreter{rec: fx.rec}
	ri.err = errors.New("exec format error")
	fx.disp.Interpreter = ri

	code := fx.disp.Run(context.Background(), []string{"./python"})

	assert.Equal(t, dispatcher.ExitRejected, code)

	require.Len(t, fx.rec.records, 2)
	assert.True(t, fx.rec.records[0].Launched)
	assert.False(t, fx.rec.records[1].Launched)
	assert.Contains(t, fx.rec.records[1].Error, "exec format error")
}

func TestPlan_requires_collaborators(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	tb := fx.disp.Table
	vf := fx.disp.Verifier

	cases := []struct {
		name string
		disp *dispatcher.Dispatcher
	}{
		{"no table", dispatcher.New(nil, vf, fx.interp)},
		{"no verifier", dispatcher.New(tb, nil, fx.interp)},
		{"no interpreter", dispatcher.New(tb, vf, nil)},
	}

	for _, tc := range cases {
		_, err := tc.disp.Plan([]string{"./python"})
		assert.ErrorIs(t, err, dispatcher.ErrIncomplete, tc.name)

		code := tc.disp.Run(context.Background(), []string{"./python"})
		assert.Equal(t, dispatcher.ExitRejected, code, tc.name)
	}

	assert.Empty(t, fx.interp.calls)
}

func TestRun_recorder_failure_does_not_change_decision(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.rec.err = errors.New("disk full")
	fx.interp.code = 3

	code := fx.disp.Run(context.Background(), []string{"./python"})

	assert.Equal(t, 3, code)
	assert.Len(t, fx.interp.calls, 1)
}

func TestRun_without_recorder(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.disp.Recorder = nil

	code := fx.disp.Run(context.Background(), []string{"./python"})

	assert.Equal(t, 0, code)
}

func TestRun_verification_is_repeatable(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	first := fx.disp.Run(context.Background(), []string{"./python"})
	second := fx.disp.Run(context.Background(), []string{"./python"})

	assert.Equal(t, first, second)
	assert.Len(t, fx.interp.calls, 2)
}

func TestPlan_empty_argv(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	pl, err := fx.disp.Plan(nil)

	require.NoError(t, err)
	assert.Equal(t, dispatcher.KindRunMain, pl.Kind)
	assert.Equal(t, reftable.Main, pl.Program)
	assert.Equal(t, []string{dispatcher.DefaultArgv0}, pl.Args)
}

func TestPlan_bypass_has_no_program(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	pl, err := fx.disp.Plan([]string{"./python", "-E", "-m", "ensurepip"})

	require.NoError(t, err)
	assert.Equal(t, dispatcher.KindEnsurepip, pl.Kind)
	assert.Empty(t, pl.Program)
}
