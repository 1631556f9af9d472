package phrases

var english = map[string]string{
	"auth.authorization_header_missing":            "Authorization header is missing.",
	"auth.authorization_token_type_not_supported": "Authorization type is not supported.",
	"auth.unauthorized":                            "Unauthorized. Please check credentials and its scope.",
	"auth.forbidden":                               "Forbidden. Please check your user roles and permissions.",
	"auth.jwt_sub_missing":                         "Missing `sub` in JWT.",
	"entity.not_found":                             "The requested resource does not exist.",
	"session.not_found":                            "Session not found. Please go back and sign in again.",

	"oidc.invalid_request":         "Invalid request.",
	"oidc.invalid_client":          "Client authentication failed.",
	"oidc.invalid_grant":           "Grant request is invalid.",
	"oidc.invalid_scope":           "Scope is not supported.",
	"oidc.insufficient_scope":      "Token is missing the scope required for this request.",
	"oidc.invalid_target":          "Invalid resource indicator.",
	"oidc.invalid_dpop_proof":      "Invalid DPoP proof.",
	"oidc.access_denied":           "Access denied.",
	"oidc.unauthorized_client":     "The client is not authorized to use this grant type.",
	"oidc.unsupported_grant_type":  "Unsupported `grant_type` requested.",
	"oidc.server_error":            "An unknown OIDC error occurred. Please try again later.",
	"oidc.provider_error_fallback": "An OIDC error occurred: {{code}}.",
}

var hungarian = map[string]string{
	"auth.authorization_header_missing":            "Hiányzik az Authorization fejléc.",
	"auth.authorization_token_type_not_supported": "Az authorization típus nem támogatott.",
	"auth.unauthorized":                            "Nincs jogosultság. Ellenőrizd a hitelesítő adatokat és a hatókört.",
	"auth.forbidden":                               "Tiltott. Ellenőrizd a szerepköreidet és jogosultságaidat.",
	"auth.jwt_sub_missing":                         "Hiányzik a `sub` a JWT-ből.",
	"entity.not_found":                             "A kért erőforrás nem létezik.",
	"session.not_found":                            "A munkamenet nem található. Lépj vissza és jelentkezz be újra.",

	"oidc.invalid_request":         "Érvénytelen kérés.",
	"oidc.invalid_client":          "A kliens hitelesítése sikertelen.",
	"oidc.invalid_grant":           "Érvénytelen grant kérés.",
	"oidc.invalid_scope":           "A hatókör nem támogatott.",
	"oidc.insufficient_scope":      "A tokenből hiányzik a kéréshez szükséges hatókör.",
	"oidc.invalid_target":          "Érvénytelen erőforrás azonosító.",
	"oidc.access_denied":           "Hozzáférés megtagadva.",
	"oidc.unsupported_grant_type":  "Nem támogatott `grant_type`.",
	"oidc.server_error":            "Ismeretlen OIDC hiba történt. Próbáld újra később.",
	"oidc.provider_error_fallback": "OIDC hiba történt: {{code}}.",
}
