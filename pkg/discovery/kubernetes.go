// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import (
	"context"
	"fmt"
	"sort"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/turtacn/emqx-bench/pkg/cluster"
)

// KubeDiscovery reads the Endpoints object of a broker service.
type KubeDiscovery struct {
	clientset kubernetes.Interface
	namespace string
	service   string
	portName  string
}

// NewKubeDiscovery uses the in-cluster config, or kubeconfig when it is
// not empty.
func NewKubeDiscovery(kubeconfig, namespace, service, portName string) (*KubeDiscovery, error) {
	var (
		config *rest.Config
		err    error
	)
	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("could not get kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("could not create clientset: %w", err)
	}
	return NewKubeDiscoveryWithClient(clientset, namespace, service, portName), nil
}

// NewKubeDiscoveryWithClient uses an existing clientset.
func NewKubeDiscoveryWithClient(clientset kubernetes.Interface, namespace, service, portName string) *KubeDiscovery {
	return &KubeDiscovery{
		clientset: clientset,
		namespace: namespace,
		service:   service,
		portName:  portName,
	}
}

// DiscoverNodes implements Discovery. Only ready addresses are returned. When
// portName is empty, subsets exposing exactly one port use that port.
func (k *KubeDiscovery) DiscoverNodes(ctx context.Context) ([]cluster.Endpoint, error) {
	endpoints, err := k.clientset.CoreV1().Endpoints(k.namespace).Get(ctx, k.service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints for service %s/%s: %w", k.namespace, k.service, err)
	}

	seen := make(map[cluster.Endpoint]struct{})
	var nodes []cluster.Endpoint
	for _, subset := range endpoints.Subsets {
		var port int32
		for _, p := range subset.Ports {
			if p.Name == k.portName || (k.portName == "" && len(subset.Ports) == 1) {
				port = p.Port
				break
			}
		}
		if port == 0 {
			continue
		}

		for _, addr := range subset.Addresses {
			ep := cluster.Endpoint{Host: addr.IP, Port: int(port)}
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			nodes = append(nodes, ep)
		}
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Host != nodes[j].Host {
			return nodes[i].Host < nodes[j].Host
		}
		return nodes[i].Port < nodes[j].Port
	})
	return nodes, nil
}
