package deploy

import (
	"fmt"
	"path"
	"sort"
	"strconv"

	"github.com/splax/localvercel/internal/compose"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
)

const (
	artifactsDir = "/artifacts"
	servicesDir  = "/data/peep/services"
	dockerSocket = "/var/run/docker.sock:/var/run/docker.sock"
)

// plan is the ordered remote work of one deployment followed by an optional
// health wait on the containers matched by selector.
type plan struct {
	steps    []remote.Step
	helper   bool
	wait     bool
	selector domain.LabelSelector
	excluded []string
}

type pipelineConfig struct {
	network     string
	helperImage string
}

// deploymentLabels are attached to every container a deployment creates.
func deploymentLabels(d domain.Deployment) map[string]string {
	return map[string]string{
		domain.LabelManaged:       "true",
		domain.LabelTargetID:      d.TargetID,
		domain.LabelTargetKind:    string(d.TargetKind),
		domain.LabelPullRequestID: strconv.Itoa(d.PullRequestID),
		domain.LabelDeploymentID:  d.ID,
	}
}

func labelArgs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

func waitSelector(d domain.Deployment, target domain.Deployable) domain.LabelSelector {
	if d.IsPreview() {
		return domain.PreviewSelector(target.Ref(), d.PullRequestID)
	}
	return target.ContainerLabelSelector()
}

func imageTag(commit string) string {
	if commit == "" || commit == "HEAD" {
		return "latest"
	}
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

func buildPlan(d domain.Deployment, target domain.Deployable, server domain.Server, cfg pipelineConfig) (plan, error) {
	var (
		p   plan
		err error
	)
	switch t := target.(type) {
	case *domain.Application:
		p, err = applicationPlan(d, t, server, cfg)
	case *domain.Database:
		p, err = databasePlan(d, t, cfg)
	case *domain.Service:
		p, err = servicePlan(d, t, server, cfg)
	default:
		return plan{}, fmt.Errorf("deploy: unsupported target %T", target)
	}
	if err != nil {
		return plan{}, err
	}
	p.selector = waitSelector(d, target)
	p.excluded = target.ExcludedServiceNames()
	return p, nil
}

func applicationPlan(d domain.Deployment, app *domain.Application, server domain.Server, cfg pipelineConfig) (plan, error) {
	b := remote.NewBuilder()
	name := b.Name(domain.ResourceName(app.ID, d.PullRequestID))
	network := b.Name(cfg.network)
	labels := deploymentLabels(d)
	isCompose := app.BuildPack == domain.BuildPackDockerCompose

	b.Run("prepare network", "docker", "network", "create", "--attachable", network).Tolerate("already exists")

	if d.RestartOnly {
		if isCompose {
			b.Run("restart services", "docker", "compose", "-p", name, "restart")
		} else {
			b.Run("restart container", "docker", "restart", name)
		}
		return finishPlan(b, false, "Invalid application configuration")
	}

	if app.BuildPack == domain.BuildPackDockerImage {
		if app.DockerImage == "" {
			return plan{}, Expected("Docker image is not configured.")
		}
		image := b.Path(app.DockerImage)
		b.Run("pull image", "docker", "pull", image)
		startContainer(b, name, network, image, labels, nil, "")
		return finishPlan(b, false, "Invalid application configuration")
	}

	if app.GitRepository == "" {
		return plan{}, Expected("Git repository is not configured.")
	}
	helper := b.Name(d.ID)
	workdir := path.Join(artifactsDir, d.ID)
	b.Run("remove stale helper", "docker", "rm", "-f", helper).IgnoreFailure().Hidden()
	helperArgs := []string{"docker", "run", "-d", "--rm", "--name", helper, "--network", network}
	helperArgs = append(helperArgs, labelArgs(map[string]string{domain.LabelManaged: "true", domain.LabelDeploymentID: d.ID})...)
	helperArgs = append(helperArgs, "-v", dockerSocket, b.Path(cfg.helperImage), "sleep", "infinity")
	b.Run("start helper", helperArgs...)

	checkout(b, helper, workdir, app, d)

	buildContext := workdir
	if app.BaseDirectory != "" && app.BaseDirectory != "/" {
		buildContext = path.Join(workdir, app.BaseDirectory)
	}
	buildContext = b.Path(buildContext)
	image := name + ":" + b.Name(imageTag(d.CommitRef))

	switch app.BuildPack {
	case domain.BuildPackDockerfile:
		dockerfile := app.DockerfileLocation
		if dockerfile == "" {
			dockerfile = "Dockerfile"
		}
		args := []string{"docker", "build", "-t", image, "-f", b.Path(path.Join(buildContext, dockerfile))}
		if d.ForceRebuild {
			args = append(args, "--no-cache")
		}
		args = append(args, labelArgs(labels)...)
		b.Shell("build image", helper, append(args, buildContext)...)
		startContainer(b, name, network, image, labels, nil, "")
	case domain.BuildPackNixpacks, "":
		args := []string{"nixpacks", "build", buildContext, "--name", image}
		if d.ForceRebuild {
			args = append(args, "--no-cache")
		}
		b.Shell("build image", helper, args...)
		startContainer(b, name, network, image, labels, nil, "")
	case domain.BuildPackDockerCompose:
		rendered, err := compose.Render([]byte(app.ComposeRaw), labels)
		if err != nil {
			return plan{}, expectedWrap(err, "Invalid compose file")
		}
		composePath := path.Join(workdir, ".peep-compose.yaml")
		b.WriteFile("write compose file", helper, composePath, rendered)
		build := []string{"docker", "compose", "-p", name, "-f", composePath, "build"}
		if d.ForceRebuild {
			build = append(build, "--no-cache")
		}
		b.Shell("build services", helper, build...)
		if server.IsSwarmManager {
			b.Shell("deploy stack", helper, "docker", "stack", "deploy", "--with-registry-auth", "-c", composePath, name)
		} else {
			b.Shell("start services", helper, "docker", "compose", "-p", name, "-f", composePath, "up", "-d", "--remove-orphans")
		}
	default:
		return plan{}, Expected("Unsupported build pack %q.", app.BuildPack)
	}

	return finishPlan(b, true, "Invalid application configuration")
}

func finishPlan(b *remote.Builder, helper bool, message string) (plan, error) {
	steps, err := b.Steps()
	if err != nil {
		return plan{}, expectedWrap(err, message)
	}
	return plan{steps: steps, helper: helper, wait: true}, nil
}

func checkout(b *remote.Builder, helper, workdir string, app *domain.Application, d domain.Deployment) {
	branch := app.GitBranch
	if branch == "" {
		branch = "main"
	}
	b.Shell("clone repository", helper, "git", "clone", "--depth", "1", "--branch", b.Path(branch), b.Path(app.GitRepository), workdir)
	switch {
	case d.IsPreview():
		ref := fmt.Sprintf("pull/%d/head:pr-%d", d.PullRequestID, d.PullRequestID)
		b.Shell("fetch pull request", helper, "git", "-C", workdir, "fetch", "--depth", "1", "origin", ref)
		b.Shell("checkout pull request", helper, "git", "-C", workdir, "checkout", fmt.Sprintf("pr-%d", d.PullRequestID))
	case d.CommitRef != "" && d.CommitRef != "HEAD":
		commit := b.Name(d.CommitRef)
		b.Shell("fetch commit", helper, "git", "-C", workdir, "fetch", "--depth", "1", "origin", commit)
		b.Shell("checkout commit", helper, "git", "-C", workdir, "checkout", commit)
	}
}

func startContainer(b *remote.Builder, name, network, image string, labels, env map[string]string, volume string) {
	b.Run("remove previous container", "docker", "rm", "-f", name).IgnoreFailure()
	args := []string{"docker", "run", "-d", "--name", name, "--network", network, "--network-alias", name, "--restart", "unless-stopped"}
	if volume != "" {
		args = append(args, "-v", volume)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", b.Name(k)+"="+env[k])
	}
	args = append(args, labelArgs(labels)...)
	b.Run("start container", append(args, image)...)
	if len(env) > 0 {
		b.Hidden()
	}
}

func databasePlan(d domain.Deployment, db *domain.Database, cfg pipelineConfig) (plan, error) {
	if db.Image == "" {
		return plan{}, Expected("Database image is not configured.")
	}
	b := remote.NewBuilder()
	name := b.Name(db.ID)
	network := b.Name(cfg.network)
	b.Run("prepare network", "docker", "network", "create", "--attachable", network).Tolerate("already exists")
	if d.RestartOnly {
		b.Run("restart container", "docker", "restart", name)
	} else {
		image := b.Path(db.Image)
		b.Run("pull image", "docker", "pull", image)
		var volume string
		if db.VolumePath != "" {
			data := b.Name(name + "-data")
			b.Run("prepare volume", "docker", "volume", "create", data).Tolerate("already exists")
			volume = data + ":" + b.Path(db.VolumePath)
		}
		startContainer(b, name, network, image, deploymentLabels(d), db.Env, volume)
	}
	return finishPlan(b, false, "Invalid database configuration")
}

func servicePlan(d domain.Deployment, svc *domain.Service, server domain.Server, cfg pipelineConfig) (plan, error) {
	b := remote.NewBuilder()
	name := b.Name(svc.ID)
	network := b.Name(cfg.network)
	b.Run("prepare network", "docker", "network", "create", "--attachable", network).Tolerate("already exists")
	if d.RestartOnly {
		b.Run("restart services", "docker", "compose", "-p", name, "restart")
	} else {
		rendered, err := compose.Render([]byte(svc.ComposeRaw), deploymentLabels(d))
		if err != nil {
			return plan{}, expectedWrap(err, "Invalid compose file")
		}
		dir := path.Join(servicesDir, name)
		composePath := path.Join(dir, "compose.yaml")
		b.Run("prepare directory", "mkdir", "-p", dir).Hidden()
		b.WriteFile("write compose file", "", composePath, rendered)
		if server.IsSwarmManager {
			b.Run("deploy stack", "docker", "stack", "deploy", "--with-registry-auth", "-c", composePath, name)
		} else {
			args := []string{"docker", "compose", "-p", name, "-f", composePath, "up", "-d", "--remove-orphans"}
			if d.ForceRebuild {
				args = append(args, "--force-recreate", "--pull", "always")
			}
			b.Run("start services", args...)
		}
	}
	return finishPlan(b, false, "Invalid service configuration")
}
