package tieredlib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardPlanValid(t *testing.T) {
	require.NoError(t, StandardPlan().Validate())
	assert.Equal(t, stepInstall, StandardPlan().InstallIndex())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(p *Plan)
		err    error
		index  int
	}{
		{
			name: "base not first",
			modify: func(p *Plan) {
				p.Steps[stepBase], p.Steps[stepWorkdir] = p.Steps[stepWorkdir], p.Steps[stepBase]
			},
			err:   ErrInvalidPlan,
			index: 0,
		},
		{
			name: "second base",
			modify: func(p *Plan) {
				p.Steps[stepEnv] = Step{Kind: KindBase, Ref: "scratch"}
			},
			err:   ErrInvalidPlan,
			index: stepEnv,
		},
		{
			name:   "relative workdir",
			modify: func(p *Plan) { p.Steps[stepWorkdir].Path = "app" },
			err:    ErrInvalidPlan,
			index:  stepWorkdir,
		},
		{
			name: "copy before workdir",
			modify: func(p *Plan) {
				p.Steps[stepWorkdir] = Step{Kind: KindEnv, Env: map[string]string{"A": "1"}}
			},
			err:   ErrInvalidPlan,
			index: stepCopyManifest,
		},
		{
			name: "backend before manifest",
			modify: func(p *Plan) {
				p.Steps[stepCopyManifest], p.Steps[stepInstall], p.Steps[stepCopyBackend] = p.Steps[stepCopyBackend], p.Steps[stepCopyManifest], p.Steps[stepInstall]
			},
			err:   ErrSourceBeforeInstall,
			index: stepCopyManifest,
		},
		{
			name: "install before manifest",
			modify: func(p *Plan) {
				p.Steps[stepCopyManifest], p.Steps[stepInstall] = p.Steps[stepInstall], p.Steps[stepCopyManifest]
			},
			err:   ErrInvalidPlan,
			index: stepCopyManifest,
		},
		{
			name: "source copied between manifest and install",
			modify: func(p *Plan) {
				steps := append([]Step{}, p.Steps[:stepInstall]...)
				steps = append(steps, Step{Kind: KindCopy, Sources: []string{"render.yaml"}, Dest: "deploy/render.yaml"})
				p.Steps = append(steps, p.Steps[stepInstall:]...)
			},
			err:   ErrSourceBeforeInstall,
			index: stepInstall,
		},
		{
			name: "manifest copied with other files",
			modify: func(p *Plan) {
				p.Steps[stepCopyManifest].Sources = []string{"requirements.txt", "setup.cfg"}
				p.Steps[stepCopyManifest].Dest = "./"
			},
			err:   ErrInvalidPlan,
			index: stepInstall,
		},
		{
			name:   "install manifest never copied",
			modify: func(p *Plan) { p.Steps[stepInstall].Manifest = "Pipfile" },
			err:    ErrInvalidPlan,
			index:  stepInstall,
		},
		{
			name: "two installs",
			modify: func(p *Plan) {
				p.Steps[stepCopyDescriptors] = Step{Kind: KindInstall, Manifest: "requirements.txt", Run: []string{"x"}, Dest: "/opt/deps"}
			},
			err:   ErrInvalidPlan,
			index: stepCopyDescriptors,
		},
		{
			name:   "install without command",
			modify: func(p *Plan) { p.Steps[stepInstall].Run = nil },
			err:    ErrInvalidPlan,
			index:  stepInstall,
		},
		{
			name:   "frontend on top of backend",
			modify: func(p *Plan) { p.Steps[stepCopyFrontend].Dest = "backend/" },
			err:    ErrOverlappingCopy,
			index:  stepCopyFrontend,
		},
		{
			name:   "frontend inside backend",
			modify: func(p *Plan) { p.Steps[stepCopyFrontend].Dest = "backend/static/" },
			err:    ErrOverlappingCopy,
			index:  stepCopyFrontend,
		},
		{
			name:   "descriptor into backend tree",
			modify: func(p *Plan) { p.Steps[stepCopyDescriptors].Dest = "backend/" },
			err:    ErrOverlappingCopy,
			index:  stepCopyDescriptors,
		},
		{
			name:   "sources into the install destination",
			modify: func(p *Plan) { p.Steps[stepCopyBackend].Dest = "/usr/local/lib/python3.12/site-packages/backend/" },
			err:    ErrOverlappingCopy,
			index:  stepCopyBackend,
		},
		{
			name:   "copy without sources",
			modify: func(p *Plan) { p.Steps[stepCopyFrontend].Sources = nil },
			err:    ErrInvalidPlan,
			index:  stepCopyFrontend,
		},
		{
			name:   "invalid env name",
			modify: func(p *Plan) { p.Steps[stepEnv].Env["BAD-NAME"] = "1" },
			err:    ErrInvalidPlan,
			index:  stepEnv,
		},
		{
			name:   "no entry command",
			modify: func(p *Plan) { p.Steps = p.Steps[:stepCmd] },
			err:    ErrInvalidPlan,
			index:  -1,
		},
		{
			name:   "empty entry command",
			modify: func(p *Plan) { p.Steps[stepCmd].Command = nil },
			err:    ErrInvalidPlan,
			index:  stepCmd,
		},
		{
			name: "copy after entry command",
			modify: func(p *Plan) {
				p.Steps = append(p.Steps, Step{Kind: KindCopy, Sources: []string{"extra.txt"}, Dest: "extra.txt"})
			},
			err:   ErrInvalidPlan,
			index: stepCmd + 1,
		},
		{
			name:   "port out of range",
			modify: func(p *Plan) { p.Steps[stepExpose].Ports[0].Port = 70000 },
			err:    ErrInvalidPlan,
			index:  stepExpose,
		},
		{
			name:   "unknown transport",
			modify: func(p *Plan) { p.Steps[stepExpose].Ports[0].Transport = "sctp" },
			err:    ErrInvalidPlan,
			index:  stepExpose,
		},
		{
			name:   "port env default disagrees with exposed port",
			modify: func(p *Plan) { p.Steps[stepEnv].Env["PORT"] = "8000" },
			err:    ErrPortMismatch,
			index:  stepExpose,
		},
		{
			name:   "port env without default",
			modify: func(p *Plan) { delete(p.Steps[stepEnv].Env, "PORT") },
			err:    ErrPortMismatch,
			index:  stepExpose,
		},
		{
			name:   "unknown kind",
			modify: func(p *Plan) { p.Steps[stepExpose].Kind = "healthcheck" },
			err:    ErrInvalidPlan,
			index:  stepExpose,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			plan := StandardPlan()
			c.modify(&plan)
			err := plan.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, c.err)
			var stepError *StepError
			if c.index < 0 {
				assert.False(t, errors.As(err, &stepError))
				return
			}
			require.True(t, errors.As(err, &stepError))
			assert.Equal(t, c.index, stepError.Index)
		})
	}
}

func TestValidateEmpty(t *testing.T) {
	assert.ErrorIs(t, Plan{}.Validate(), ErrInvalidPlan)
}

func TestValidatePortWithoutEnv(t *testing.T) {
	plan := StandardPlan()
	plan.Steps[stepExpose].PortEnv = ""
	plan.Steps[stepEnv].Env["PORT"] = "8000"
	assert.NoError(t, plan.Validate())
}

func TestValidateNoInstall(t *testing.T) {
	plan := StandardPlan()
	plan.Steps = append(plan.Steps[:stepCopyManifest], plan.Steps[stepCopyBackend:]...)
	assert.NoError(t, plan.Validate())
	assert.Equal(t, -1, plan.InstallIndex())
}

func TestCopyTargets(t *testing.T) {
	cases := []struct {
		step Step
		want []claim
	}{
		{Step{Sources: []string{"requirements.txt"}, Dest: "requirements.txt"}, []claim{{path: "app/requirements.txt"}}},
		{Step{Sources: []string{"backend/"}, Dest: "backend/"}, []claim{{path: "app/backend", tree: true}}},
		{Step{Sources: []string{"dist/"}, Dest: "/srv/www"}, []claim{{path: "srv/www", tree: true}}},
		{Step{Sources: []string{"render.yaml", "Procfile"}, Dest: "./"}, []claim{{path: "app/render.yaml"}, {path: "app/Procfile"}}},
		{Step{Sources: []string{"conf/nginx.conf"}, Dest: "etc/"}, []claim{{path: "app/etc/nginx.conf"}}},
		{Step{Sources: []string{"conf/nginx.conf"}}, []claim{{path: "app/nginx.conf"}}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, copyTargets(c.step, "/app"), "%v -> %q", c.step.Sources, c.step.Dest)
	}
}

func TestSourceRoots(t *testing.T) {
	plan := StandardPlan()
	plan.Root = "/src"
	assert.Equal(t, []SourceRoot{
		{Path: "/src/requirements.txt"},
		{Path: "/src/backend", Tree: true},
		{Path: "/src/frontend", Tree: true},
		{Path: "/src/render.yaml"},
		{Path: "/src/Procfile"},
	}, plan.SourceRoots())
}
