// Package manifest fetches a model's serving manifest from blob storage,
// stamps it with the model's identity, and applies or removes it against
// the serving cluster.
package manifest

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"github.com/semoss/model-deployer/pkg/blobstore"
)

// ModelIDLabel is injected on every object this service applies so that
// owning resources can always be reverse-looked-up by model id.
const ModelIDLabel = "model-id"

var inferenceServiceGVR = schema.GroupVersionResource{
	Group:    "serving.kserve.io",
	Version:  "v1beta1",
	Resource: "inferenceservices",
}

// Service applies and removes serving manifests in a single namespace.
type Service struct {
	namespace string
	blobs     *blobstore.Store
	dynamic   dynamic.Interface
	apps      kubernetes.Interface
}

// New builds a manifest Service bound to the given serving namespace.
func New(namespace string, blobs *blobstore.Store, dynamicClient dynamic.Interface, typedClient kubernetes.Interface) *Service {
	return &Service{namespace: namespace, blobs: blobs, dynamic: dynamicClient, apps: typedClient}
}

// Apply fetches {modelName}.yaml, stamps it with modelID, and creates or
// patches it in the serving cluster. It returns the parsed kind so the
// caller knows which remover to invoke later.
func (s *Service) Apply(ctx context.Context, modelID, modelName string) (kind string, err error) {
	raw, err := s.blobs.ModelManifest(ctx, modelName)
	if err != nil {
		return "", fmt.Errorf("manifest: fetching %s: %w", modelName, err)
	}

	var obj unstructured.Unstructured
	if err := yaml.Unmarshal(raw, &obj.Object); err != nil {
		return "", fmt.Errorf("manifest: parsing %s: %w", modelName, err)
	}

	if obj.GetName() != modelName {
		return "", fmt.Errorf("manifest: %s declares metadata.name %q, expected %q", modelName, obj.GetName(), modelName)
	}

	switch obj.GetKind() {
	case "InferenceService":
		stampInferenceServiceLabels(&obj, modelID)
		if err := s.applyUnstructured(ctx, &obj); err != nil {
			return "", err
		}
		return "InferenceService", nil
	case "Deployment":
		var dep appsv1.Deployment
		if err := yaml.Unmarshal(raw, &dep); err != nil {
			return "", fmt.Errorf("manifest: parsing deployment %s: %w", modelName, err)
		}
		stampDeploymentLabels(&dep, modelID)
		if err := s.applyDeployment(ctx, &dep); err != nil {
			return "", err
		}
		return "Deployment", nil
	default:
		return "", fmt.Errorf("manifest: unsupported kind %q for %s", obj.GetKind(), modelName)
	}
}

func stampInferenceServiceLabels(obj *unstructured.Unstructured, modelID string) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[ModelIDLabel] = modelID
	obj.SetLabels(labels)

	predictorLabels, _, _ := unstructured.NestedStringMap(obj.Object, "spec", "predictor", "template", "metadata", "labels")
	if predictorLabels == nil {
		predictorLabels = map[string]string{}
	}
	predictorLabels[ModelIDLabel] = modelID
	_ = unstructured.SetNestedStringMap(obj.Object, predictorLabels, "spec", "predictor", "template", "metadata", "labels")
}

func stampDeploymentLabels(dep *appsv1.Deployment, modelID string) {
	if dep.Labels == nil {
		dep.Labels = map[string]string{}
	}
	dep.Labels[ModelIDLabel] = modelID
	if dep.Spec.Template.Labels == nil {
		dep.Spec.Template.Labels = map[string]string{}
	}
	dep.Spec.Template.Labels[ModelIDLabel] = modelID
}

func (s *Service) applyUnstructured(ctx context.Context, obj *unstructured.Unstructured) error {
	client := s.dynamic.Resource(inferenceServiceGVR).Namespace(s.namespace)

	existing, err := client.Get(ctx, obj.GetName(), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err := client.Create(ctx, obj, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("manifest: creating InferenceService %s: %w", obj.GetName(), err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("manifest: getting InferenceService %s: %w", obj.GetName(), err)
	}

	obj.SetResourceVersion(existing.GetResourceVersion())
	patch, err := obj.MarshalJSON()
	if err != nil {
		return fmt.Errorf("manifest: marshaling patch for %s: %w", obj.GetName(), err)
	}
	_, err = client.Patch(ctx, obj.GetName(), types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("manifest: patching InferenceService %s: %w", obj.GetName(), err)
	}
	return nil
}

func (s *Service) applyDeployment(ctx context.Context, dep *appsv1.Deployment) error {
	client := s.apps.AppsV1().Deployments(s.namespace)
	_, err := client.Get(ctx, dep.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err := client.Create(ctx, dep, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("manifest: creating Deployment %s: %w", dep.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("manifest: getting Deployment %s: %w", dep.Name, err)
	}
	_, err = client.Update(ctx, dep, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("manifest: updating Deployment %s: %w", dep.Name, err)
	}
	return nil
}

// Remove deletes the serving resource for modelName; absence is success.
func (s *Service) Remove(ctx context.Context, kind, modelName string) error {
	switch kind {
	case "InferenceService":
		err := s.dynamic.Resource(inferenceServiceGVR).Namespace(s.namespace).Delete(ctx, modelName, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("manifest: deleting InferenceService %s: %w", modelName, err)
		}
		return nil
	case "Deployment":
		err := s.apps.AppsV1().Deployments(s.namespace).Delete(ctx, modelName, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("manifest: deleting Deployment %s: %w", modelName, err)
		}
		return nil
	default:
		return fmt.Errorf("manifest: unsupported kind %q for removal of %s", kind, modelName)
	}
}
