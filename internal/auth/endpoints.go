package auth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/tonimelisma/csom-go/internal/settings"
)

// sharePointPrincipal is the well-known application ID of SharePoint
// Online, used to build ACS resource identifiers.
const sharePointPrincipal = "00000003-0000-0ff1-ce00-000000000000"

// loginHosts maps each cloud to its Entra ID login host.
var loginHosts = map[settings.Environment]string{
	settings.EnvironmentProduction:    "login.microsoftonline.com",
	settings.EnvironmentPreProduction: "login.windows-ppe.net",
	settings.EnvironmentUSGovernment:  "login.microsoftonline.us",
	settings.EnvironmentChina:         "login.chinacloudapi.cn",
	settings.EnvironmentGermany:       "login.microsoftonline.de",
}

// acsHosts maps each cloud to its Azure ACS token host.
var acsHosts = map[settings.Environment]string{
	settings.EnvironmentProduction:    "accounts.accesscontrol.windows.net",
	settings.EnvironmentPreProduction: "accounts.accesscontrol.windows-ppe.net",
	settings.EnvironmentUSGovernment:  "accounts.accesscontrol.windows.net",
	settings.EnvironmentChina:         "accounts.accesscontrol.chinacloudapi.cn",
	settings.EnvironmentGermany:       "login.microsoftonline.de",
}

func normalizeEnvironment(env settings.Environment) settings.Environment {
	if env == "" {
		return settings.EnvironmentProduction
	}

	return env
}

// entraEndpoint returns the v2.0 endpoint for tenant in env.
func entraEndpoint(env settings.Environment, tenant string) oauth2.Endpoint {
	env = normalizeEnvironment(env)
	if env == settings.EnvironmentProduction {
		return microsoft.AzureADEndpoint(tenant)
	}

	if tenant == "" {
		tenant = "common"
	}

	base := "https://" + loginHosts[env] + "/" + tenant + "/oauth2/v2.0"

	return oauth2.Endpoint{
		AuthURL:       base + "/authorize",
		TokenURL:      base + "/token",
		DeviceAuthURL: base + "/devicecode",
	}
}

// acsTokenURL returns the ACS token endpoint for realm in env.
func acsTokenURL(env settings.Environment, realm string) string {
	return "https://" + acsHosts[normalizeEnvironment(env)] + "/" + realm + "/tokens/OAuth/2"
}

// acsResource returns the ACS resource identifier for a SharePoint host.
func acsResource(host, realm string) string {
	return sharePointPrincipal + "/" + host + "@" + realm
}

// audienceScope returns the v2.0 scope granting full delegated access to
// the SharePoint host.
func audienceScope(host string) string {
	return "https://" + host + "/.default"
}
