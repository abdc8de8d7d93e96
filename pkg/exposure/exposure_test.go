package exposure

import (
	"context"
	"errors"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func TestNamingHelpers(t *testing.T) {
	if lbName("demo") != "demo-lb" {
		t.Fatalf("unexpected lb name: %s", lbName("demo"))
	}
	if externalName("demo") != "demo-external" {
		t.Fatalf("unexpected external name: %s", externalName("demo"))
	}
	if ingressName("demo") != "demo-ingress" {
		t.Fatalf("unexpected ingress name: %s", ingressName("demo"))
	}
}

func TestCreateLoadBalancerThenReplace(t *testing.T) {
	client := fake.NewSimpleClientset()
	layer := New("serving", client, nil)

	if err := layer.CreateLoadBalancer(context.Background(), "demo"); err != nil {
		t.Fatalf("unexpected error creating: %v", err)
	}
	svc, err := client.CoreV1().Services("serving").Get(context.Background(), "demo-lb", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected service to exist: %v", err)
	}
	if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
		t.Fatalf("expected LoadBalancer type, got %s", svc.Spec.Type)
	}

	// Replacing preserves the assigned ClusterIP.
	svc.Spec.ClusterIP = "10.0.0.1"
	if _, err := client.CoreV1().Services("serving").Update(context.Background(), svc, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("seeding clusterIP failed: %v", err)
	}
	if err := layer.CreateLoadBalancer(context.Background(), "demo"); err != nil {
		t.Fatalf("unexpected error replacing: %v", err)
	}
	got, err := client.CoreV1().Services("serving").Get(context.Background(), "demo-lb", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Spec.ClusterIP != "10.0.0.1" {
		t.Fatalf("expected clusterIP preserved across replace, got %q", got.Spec.ClusterIP)
	}
}

func TestRemoveLoadBalancerToleratesAbsence(t *testing.T) {
	layer := New("serving", fake.NewSimpleClientset(), nil)
	if err := layer.RemoveLoadBalancer(context.Background(), "missing"); err != nil {
		t.Fatalf("expected absence to be success, got %v", err)
	}
}

func TestExternalNameAndIngressNoopWithoutSecondary(t *testing.T) {
	layer := New("serving", fake.NewSimpleClientset(), nil)
	if err := layer.CreateExternalName(context.Background(), "demo", "1.2.3.4"); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if err := layer.CreateIngress(context.Background(), "demo", "demo.example.com", "tls-secret"); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if err := layer.RemoveExternalName(context.Background(), "demo"); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if err := layer.RemoveIngress(context.Background(), "demo"); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
}

func TestCreateExternalNameWithSecondary(t *testing.T) {
	secondary := fake.NewSimpleClientset()
	layer := New("serving", fake.NewSimpleClientset(), secondary)

	if err := layer.CreateExternalName(context.Background(), "demo", "203.0.113.9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc, err := secondary.CoreV1().Services("serving").Get(context.Background(), "demo-external", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected service created in secondary cluster: %v", err)
	}
	if svc.Spec.ExternalName != "203.0.113.9.nip.io" {
		t.Fatalf("unexpected external name: %s", svc.Spec.ExternalName)
	}
}

func TestGetExternalAddressReturnsIPWhenReady(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "demo-lb", Namespace: "serving"},
		Status: corev1.ServiceStatus{
			LoadBalancer: corev1.LoadBalancerStatus{
				Ingress: []corev1.LoadBalancerIngress{{IP: "198.51.100.5"}},
			},
		},
	})
	layer := New("serving", client, nil)

	addr, err := layer.GetExternalAddress(context.Background(), "demo", 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "198.51.100.5" {
		t.Fatalf("expected resolved IP, got %q", addr)
	}
}

func TestGetExternalAddressTimesOutNonFatally(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "demo-lb", Namespace: "serving"},
	})
	layer := New("serving", client, nil)

	addr, err := layer.GetExternalAddress(context.Background(), "demo", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected timeout to be non-fatal, got %v", err)
	}
	if addr != "" {
		t.Fatalf("expected empty address on timeout, got %q", addr)
	}
}

func TestGetExternalAddressPropagatesRealErrors(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("get", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("api unavailable")
	})
	layer := New("serving", client, nil)

	_, err := layer.GetExternalAddress(context.Background(), "demo", 2*time.Second)
	if err == nil {
		t.Fatalf("expected propagated API error")
	}
}
