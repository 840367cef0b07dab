// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine.  Each runner is a Container-Optimized OS VM that runs
// the runner image from a container declaration in instance metadata.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/ecsrunner/internal/engine"
)

// containerDeclarationKey is the metadata key Container-Optimized OS reads
// the container spec from.
const containerDeclarationKey = "gce-container-declaration"

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the default Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// MachineTypes maps size classes to machine types.  Classes not listed
	// use MachineType.
	MachineTypes map[string]string

	// BootImage is the Container-Optimized OS image the VM boots from.
	// Default: "projects/cos-cloud/global/images/family/cos-stable".
	BootImage string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).  If empty, the project's default compute
	// service account is used.
	ServiceAccount string
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of the instances client the engine uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.c.Insert(ctx, req)
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.c.Delete(ctx, req)
}

func (r restInstances) Close() error {
	return r.c.Close()
}

// Engine manages runners as GCP Compute Engine VMs.
type Engine struct {
	client   instancesAPI
	opClient io.Closer
	cfg      Config
	logger   *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.BootImage == "" {
		cfg.BootImage = "projects/cos-cloud/global/images/family/cos-stable"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	opClient, err := compute.NewZoneOperationsRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp zone operations client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("boot_image", cfg.BootImage),
	)

	return newEngine(restInstances{c: client}, opClient, cfg, logger), nil
}

func newEngine(client instancesAPI, opClient io.Closer, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		client:   client,
		opClient: opClient,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("ecsrunner/engine/gcp"),
	}
}

// EnsureTemplate is a no-op on GCP: the container image is declared per
// instance, so the image reference is the template.
func (e *Engine) EnsureTemplate(_ context.Context, _ string, imageURI string) (string, error) {
	if imageURI == "" {
		return "", fmt.Errorf("empty image reference")
	}
	return imageURI, nil
}

// containerDeclaration is the Container-Optimized OS container spec.
type containerDeclaration struct {
	Spec struct {
		Containers    []declaredContainer `yaml:"containers"`
		RestartPolicy string              `yaml:"restartPolicy"`
	} `yaml:"spec"`
}

type declaredContainer struct {
	Name  string        `yaml:"name"`
	Image string        `yaml:"image"`
	Env   []declaredEnv `yaml:"env,omitempty"`
	Stdin bool          `yaml:"stdin"`
	TTY   bool          `yaml:"tty"`
}

type declaredEnv struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

func renderDeclaration(name, image string, env map[string]string) (string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := declaredContainer{Name: name, Image: image}
	for _, k := range keys {
		c.Env = append(c.Env, declaredEnv{Name: k, Value: env[k]})
	}

	var d containerDeclaration
	d.Spec.Containers = []declaredContainer{c}
	d.Spec.RestartPolicy = "Never"

	out, err := yaml.Marshal(&d)
	if err != nil {
		return "", fmt.Errorf("render container declaration: %w", err)
	}
	return string(out), nil
}

// RunTask creates a VM that runs the runner container.  The instance name
// is the task id.
func (e *Engine) RunTask(ctx context.Context, spec engine.TaskSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.RunTask")
	defer span.End()

	name := instanceName(spec.Name)
	machineTypeName := e.machineType(spec.Class)

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", machineTypeName),
	)

	declaration, err := renderDeclaration("runner", spec.Template, spec.Env)
	if err != nil {
		return "", err
	}

	instance := e.instance(name, machineTypeName, declaration, spec.Tags)

	e.logger.Info("creating runner VM",
		slog.String("name", name),
		slog.String("machine_type", machineTypeName),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	span.SetAttributes(attribute.String("gcp.instance_name", name))
	e.logger.Info("runner VM started",
		slog.String("name", name),
		slog.String("zone", e.cfg.Zone),
	)
	return name, nil
}

// StopTask permanently deletes the VM.  Deleting an already-deleted VM is
// not an error.
func (e *Engine) StopTask(ctx context.Context, taskID, reason string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.StopTask")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", taskID),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.stop_reason", reason),
	)

	e.logger.Info("deleting runner VM",
		slog.String("name", taskID),
		slog.String("reason", reason),
	)

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: taskID,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			e.logger.Info("runner VM already deleted", slog.String("name", taskID))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", taskID, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Race between delete and a concurrent teardown.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			e.logger.Info("runner VM already deleted", slog.String("name", taskID))
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", taskID, err)
	}

	e.logger.Info("runner VM deleted", slog.String("name", taskID))
	return nil
}

// Close releases the API clients.
func (e *Engine) Close() error {
	err := e.client.Close()
	if e.opClient != nil {
		err = errors.Join(err, e.opClient.Close())
	}
	return err
}

// instance builds the VM resource: a COS boot disk, one NIC and the
// container declaration in metadata.
func (e *Engine) instance(name, machineType, declaration string, tags map[string]string) *computepb.Instance {
	zone := "zones/" + e.cfg.Zone
	inst := &computepb.Instance{
		Name:        proto.String(name),
		MachineType: proto.String(zone + "/machineTypes/" + machineType),
		Disks: []*computepb.AttachedDisk{{
			AutoDelete: proto.Bool(true),
			Boot:       proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(e.cfg.BootImage),
				DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
				DiskType:    proto.String(zone + "/diskTypes/pd-balanced"),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{e.networkInterface()},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{{
				Key:   proto.String(containerDeclarationKey),
				Value: proto.String(declaration),
			}},
		},
		Labels: labels(tags),
	}
	if e.cfg.ServiceAccount != "" {
		inst.ServiceAccounts = []*computepb.ServiceAccount{{
			Email:  proto.String(e.cfg.ServiceAccount),
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		}}
	}
	return inst
}

func (e *Engine) networkInterface() *computepb.NetworkInterface {
	nic := &computepb.NetworkInterface{Network: proto.String("global/networks/" + e.cfg.Network)}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		// Runners need egress to GitHub; without Cloud NAT that means an
		// ephemeral external address.
		nic.AccessConfigs = []*computepb.AccessConfig{{
			Name: proto.String("external-nat"),
			Type: proto.String("ONE_TO_ONE_NAT"),
		}}
	}
	return nic
}

func (e *Engine) machineType(class string) string {
	if mt, ok := e.cfg.MachineTypes[class]; ok && class != "" {
		return mt
	}
	return e.cfg.MachineType
}

// instanceName makes name a valid instance name: lowercase letters,
// digits and hyphens, starting with a letter, at most 63 characters.
func instanceName(name string) string {
	// Instance names allow hyphens but not underscores.
	n := strings.ReplaceAll(sanitizeLabel(name), "_", "-")
	if n == "" || n[0] < 'a' || n[0] > 'z' {
		n = "r-" + n
	}
	if len(n) > 63 {
		n = n[:63]
	}
	return strings.TrimRight(n, "-")
}

// labels converts task tags into GCP labels, whose keys and values may
// only hold lowercase letters, digits, underscores and hyphens.
func labels(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[sanitizeLabel(k)] = sanitizeLabel(v)
	}
	return out
}

func sanitizeLabel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPCode() == http.StatusNotFound {
		return true
	}
	// Operation errors surface as plain strings.
	msg := err.Error()
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
