package manifest

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

func newTestObj(name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "serving.kserve.io/v1beta1",
		"kind":       "InferenceService",
		"metadata": map[string]interface{}{
			"name": name,
		},
		"spec": map[string]interface{}{
			"predictor": map[string]interface{}{
				"template": map[string]interface{}{},
			},
		},
	}}
}

func TestStampInferenceServiceLabels(t *testing.T) {
	obj := newTestObj("demo-model")
	stampInferenceServiceLabels(obj, "model-123")

	if obj.GetLabels()[ModelIDLabel] != "model-123" {
		t.Fatalf("expected top-level label stamped, got %v", obj.GetLabels())
	}
	predictorLabels, _, _ := unstructured.NestedStringMap(obj.Object, "spec", "predictor", "template", "metadata", "labels")
	if predictorLabels[ModelIDLabel] != "model-123" {
		t.Fatalf("expected predictor template label stamped, got %v", predictorLabels)
	}
}

func TestStampDeploymentLabels(t *testing.T) {
	dep := &appsv1.Deployment{}
	stampDeploymentLabels(dep, "model-123")

	if dep.Labels[ModelIDLabel] != "model-123" {
		t.Fatalf("expected deployment label stamped, got %v", dep.Labels)
	}
	if dep.Spec.Template.Labels[ModelIDLabel] != "model-123" {
		t.Fatalf("expected pod template label stamped, got %v", dep.Spec.Template.Labels)
	}
}

func newFakeDynamicService(ns string, objs ...runtime.Object) *Service {
	scheme := runtime.NewScheme()
	gvrToKind := map[schema.GroupVersionResource]string{
		inferenceServiceGVR: "InferenceServiceList",
	}
	client := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, gvrToKind, objs...)
	return &Service{namespace: ns, dynamic: client}
}

func TestApplyUnstructuredCreatesWhenAbsent(t *testing.T) {
	s := newFakeDynamicService("serving")
	obj := newTestObj("demo-model")
	stampInferenceServiceLabels(obj, "model-123")

	if err := s.applyUnstructured(context.Background(), obj); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.dynamic.Resource(inferenceServiceGVR).Namespace("serving").Get(context.Background(), "demo-model", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected created object, got error: %v", err)
	}
	if got.GetLabels()[ModelIDLabel] != "model-123" {
		t.Fatalf("expected created object to carry model-id label")
	}
}

func TestApplyUnstructuredPatchesWhenPresent(t *testing.T) {
	existing := newTestObj("demo-model")
	existing.SetNamespace("serving")
	existing.SetResourceVersion("1")
	s := newFakeDynamicService("serving", existing)

	updated := newTestObj("demo-model")
	stampInferenceServiceLabels(updated, "model-456")

	if err := s.applyUnstructured(context.Background(), updated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.dynamic.Resource(inferenceServiceGVR).Namespace("serving").Get(context.Background(), "demo-model", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.GetLabels()[ModelIDLabel] != "model-456" {
		t.Fatalf("expected patched label, got %v", got.GetLabels())
	}
}

func TestApplyDeploymentCreateThenUpdate(t *testing.T) {
	s := &Service{namespace: "serving", apps: fake.NewSimpleClientset()}
	dep := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "demo-model", Namespace: "serving"}}
	stampDeploymentLabels(dep, "model-123")

	if err := s.applyDeployment(context.Background(), dep); err != nil {
		t.Fatalf("unexpected error on create: %v", err)
	}

	dep.Labels["extra"] = "x"
	if err := s.applyDeployment(context.Background(), dep); err != nil {
		t.Fatalf("unexpected error on update: %v", err)
	}

	got, err := s.apps.AppsV1().Deployments("serving").Get(context.Background(), "demo-model", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("unexpected error fetching: %v", err)
	}
	if got.Labels["extra"] != "x" {
		t.Fatalf("expected update to be applied, got %v", got.Labels)
	}
}

func TestRemoveToleratesNotFound(t *testing.T) {
	s := &Service{namespace: "serving", apps: fake.NewSimpleClientset(), dynamic: dynamicfake.NewSimpleDynamicClientWithCustomListKinds(
		runtime.NewScheme(),
		map[schema.GroupVersionResource]string{inferenceServiceGVR: "InferenceServiceList"},
	)}

	if err := s.Remove(context.Background(), "InferenceService", "missing-model"); err != nil {
		t.Fatalf("expected absence to be success, got %v", err)
	}
	if err := s.Remove(context.Background(), "Deployment", "missing-model"); err != nil {
		t.Fatalf("expected absence to be success, got %v", err)
	}
}

func TestRemoveRejectsUnsupportedKind(t *testing.T) {
	s := &Service{namespace: "serving", apps: fake.NewSimpleClientset()}
	if err := s.Remove(context.Background(), "StatefulSet", "demo-model"); err == nil {
		t.Fatalf("expected error for unsupported kind")
	}
}
