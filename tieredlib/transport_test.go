package tieredlib

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/containers/image/v5/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImageRef(t *testing.T) {
	cases := []struct {
		ref       string
		transport string
	}{
		{"docker://python:3.12-slim", "docker"},
		{"python:3.12-slim", "docker"},
		{"registry.example.com:5000/team/app:v1", "docker"},
		{"oci-archive:/tmp/app.tar", "oci-archive"},
		{"oci:/tmp/app-layout", "oci"},
		{"docker-daemon:tiered-app:dev", "docker-daemon"},
	}
	for _, c := range cases {
		t.Run(c.ref, func(t *testing.T) {
			ref, err := ParseImageRef(c.ref)
			require.NoError(t, err)
			assert.Equal(t, c.transport, ref.Transport().Name())
		})
	}

	_, err := ParseImageRef("docker://Not A Ref")
	assert.Error(t, err)
}

func TestCredentialsSystemContext(t *testing.T) {
	ctx := Credentials{}.systemContext()
	assert.Nil(t, ctx.DockerAuthConfig)

	ctx = Credentials{User: "u", Password: "p", Http: true}.systemContext()
	require.NotNil(t, ctx.DockerAuthConfig)
	assert.Equal(t, "u", ctx.DockerAuthConfig.Username)
	assert.Equal(t, "p", ctx.DockerAuthConfig.Password)
	assert.Equal(t, types.OptionalBoolTrue, ctx.DockerInsecureSkipTLSVerify)

	t.Setenv("DOCKER_HOST", "unix:///tmp/tiered-docker.sock")
	assert.Equal(t, "unix:///tmp/tiered-docker.sock", Credentials{}.systemContext().DockerDaemonHost)
}

func TestPolicyContextNeedsPolicyOrOptIn(t *testing.T) {
	sys := &types.SystemContext{SignaturePolicyPath: filepath.Join(t.TempDir(), "policy.json")}
	_, err := policyContext(sys, false)
	require.ErrorIs(t, err, ErrNoSignaturePolicy)
	assert.Contains(t, err.Error(), "--insecure-policy")

	pc, err := policyContext(sys, true)
	require.NoError(t, err)
	require.NoError(t, pc.Destroy())
}

func TestPushToArchive(t *testing.T) {
	// A pushed archive is readable as a FROM image
	baseRoot := AbsPath(t.TempDir())
	writeFiles(t, baseRoot.Raw(), map[string]string{"hello.txt": "hi"})
	layout := AbsPath(t.TempDir()).Join("layout")
	result, err := (&Builder{}).Build(context.Background(), Plan{
		Root: baseRoot,
		Steps: []Step{
			{Kind: KindBase, Ref: scratchRef},
			{Kind: KindWorkdir, Path: "/"},
			{Kind: KindCopy, Sources: []string{"hello.txt"}, Dest: "hello.txt"},
			{Kind: KindCmd, Command: []string{"cat", "/hello.txt"}},
		},
	}, layout)
	require.NoError(t, err)

	archivePath := AbsPath(t.TempDir()).Join("base.tar")
	require.NoError(t, Push(context.Background(), layout, "oci-archive:"+archivePath.Raw(), Credentials{InsecurePolicy: true}))
	base, err := readBaseArchive(archivePath)
	require.NoError(t, err)
	defer base.Close()
	require.Len(t, base.Layers, 1)
	assert.Equal(t, result.Layers[0].Digest, base.Layers[0].Digest)
	assert.Equal(t, []string{"cat", "/hello.txt"}, base.Config.Config.Cmd)
}
