// Package exposure creates and removes the cluster resources that front a
// model's serving workload: a LoadBalancer Service in the serving
// cluster, and an optional ExternalName Service plus Ingress in a
// secondary egress cluster.
package exposure

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// Layer operates against a primary (serving) cluster and, optionally, a
// secondary (egress) cluster for cross-cluster facades.
type Layer struct {
	namespace string
	primary   kubernetes.Interface
	secondary kubernetes.Interface // nil if cross-cluster exposure is disabled
}

// New builds an exposure Layer. secondary may be nil.
func New(namespace string, primary, secondary kubernetes.Interface) *Layer {
	return &Layer{namespace: namespace, primary: primary, secondary: secondary}
}

func lbName(modelName string) string       { return modelName + "-lb" }
func externalName(modelName string) string { return modelName + "-external" }
func ingressName(modelName string) string  { return modelName + "-ingress" }

// CreateLoadBalancer creates or replaces the {model}-lb Service pointing
// at the knative predictor selector KServe creates for the model.
func (l *Layer) CreateLoadBalancer(ctx context.Context, modelName string) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      lbName(modelName),
			Namespace: l.namespace,
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeLoadBalancer,
			Selector: map[string]string{
				"serving.knative.dev/service": modelName + "-predictor",
			},
			Ports: []corev1.ServicePort{
				{Port: 80, TargetPort: intstr.FromInt(8080)},
			},
		},
	}
	return l.createOrReplaceService(ctx, l.primary, svc)
}

// RemoveLoadBalancer deletes the {model}-lb Service; absence is success.
func (l *Layer) RemoveLoadBalancer(ctx context.Context, modelName string) error {
	return l.deleteService(ctx, l.primary, lbName(modelName))
}

// GetExternalAddress polls the load balancer's status until an ingress IP
// or hostname appears, or the deadline elapses (returning "" with no error
// on timeout, matching the original's non-fatal "not ready yet" result).
func (l *Layer) GetExternalAddress(ctx context.Context, modelName string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		svc, err := l.primary.CoreV1().Services(l.namespace).Get(ctx, lbName(modelName), metav1.GetOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return "", fmt.Errorf("exposure: getting load balancer for %s: %w", modelName, err)
		}
		if err == nil && len(svc.Status.LoadBalancer.Ingress) > 0 {
			ing := svc.Status.LoadBalancer.Ingress[0]
			if ing.IP != "" {
				return ing.IP, nil
			}
			if ing.Hostname != "" {
				return ing.Hostname, nil
			}
		}

		select {
		case <-ctx.Done():
			klog.V(1).Infof("exposure: timed out waiting for load balancer address for %s", modelName)
			return "", nil
		case <-ticker.C:
		}
	}
}

// CreateExternalName creates, in the secondary cluster, a Service of type
// ExternalName pointing at {ip}.nip.io. It is a no-op when no secondary
// cluster is configured.
func (l *Layer) CreateExternalName(ctx context.Context, modelName, lbIP string) error {
	if l.secondary == nil {
		return nil
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      externalName(modelName),
			Namespace: l.namespace,
		},
		Spec: corev1.ServiceSpec{
			Type:         corev1.ServiceTypeExternalName,
			ExternalName: fmt.Sprintf("%s.nip.io", lbIP),
		},
	}
	return l.createOrReplaceService(ctx, l.secondary, svc)
}

// RemoveExternalName deletes the ExternalName Service; absence is success.
func (l *Layer) RemoveExternalName(ctx context.Context, modelName string) error {
	if l.secondary == nil {
		return nil
	}
	return l.deleteService(ctx, l.secondary, externalName(modelName))
}

// CreateIngress creates, in the secondary cluster, an nginx Ingress that
// rewrites /{modelName}/... to the ExternalName service. A no-op when no
// secondary cluster is configured.
func (l *Layer) CreateIngress(ctx context.Context, modelName, host, tlsSecretName string) error {
	if l.secondary == nil {
		return nil
	}
	pathType := networkingv1.PathTypeImplementationSpecific
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ingressName(modelName),
			Namespace: l.namespace,
			Annotations: map[string]string{
				"nginx.ingress.kubernetes.io/rewrite-target": "/$1",
			},
		},
		Spec: networkingv1.IngressSpec{
			IngressClassName: strPtr("nginx"),
			Rules: []networkingv1.IngressRule{
				{
					Host: host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     fmt.Sprintf("/%s/(.*)", modelName),
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: externalName(modelName),
											Port: networkingv1.ServiceBackendPort{Number: 80},
										},
									},
								},
							},
						},
					},
				},
			},
			TLS: []networkingv1.IngressTLS{
				{Hosts: []string{host}, SecretName: tlsSecretName},
			},
		},
	}

	client := l.secondary.NetworkingV1().Ingresses(l.namespace)
	_, err := client.Get(ctx, ing.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := client.Create(ctx, ing, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("exposure: creating ingress %s: %w", ing.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("exposure: getting ingress %s: %w", ing.Name, err)
	}
	if _, err := client.Update(ctx, ing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("exposure: replacing ingress %s: %w", ing.Name, err)
	}
	return nil
}

// RemoveIngress deletes the Ingress; absence is success.
func (l *Layer) RemoveIngress(ctx context.Context, modelName string) error {
	if l.secondary == nil {
		return nil
	}
	err := l.secondary.NetworkingV1().Ingresses(l.namespace).Delete(ctx, ingressName(modelName), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("exposure: deleting ingress %s: %w", modelName, err)
	}
	return nil
}

func (l *Layer) createOrReplaceService(ctx context.Context, client kubernetes.Interface, svc *corev1.Service) error {
	services := client.CoreV1().Services(l.namespace)
	existing, err := services.Get(ctx, svc.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := services.Create(ctx, svc, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("exposure: creating service %s: %w", svc.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("exposure: getting service %s: %w", svc.Name, err)
	}
	svc.ResourceVersion = existing.ResourceVersion
	svc.Spec.ClusterIP = existing.Spec.ClusterIP
	if _, err := services.Update(ctx, svc, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("exposure: replacing service %s: %w", svc.Name, err)
	}
	return nil
}

func (l *Layer) deleteService(ctx context.Context, client kubernetes.Interface, name string) error {
	err := client.CoreV1().Services(l.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("exposure: deleting service %s: %w", name, err)
	}
	return nil
}

func strPtr(s string) *string { return &s }
