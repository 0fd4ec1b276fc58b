// Register maps for the supported driver families
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package driver

// TMC2130 register addresses (shared by TMC5130, TMC2160 and TMC5160).
const (
	TMC2130GCONF      = 0x00
	TMC2130GSTAT      = 0x01
	TMC2130IOIN       = 0x04
	TMC2130IHOLDIRUN  = 0x10
	TMC2130TPOWERDOWN = 0x11
	TMC2130TSTEP      = 0x12
	TMC2130TPWMTHRS   = 0x13
	TMC2130TCOOLTHRS  = 0x14
	TMC2130THIGH      = 0x15
	TMC2130MSCNT      = 0x6A
	TMC2130CHOPCONF   = 0x6C
	TMC2130COOLCONF   = 0x6D
	TMC2130DRVSTATUS  = 0x6F
	TMC2130PWMCONF    = 0x70
	TMC2130PWMSCALE   = 0x71
)

var tmc2130Registers = map[string]uint8{
	"GCONF": TMC2130GCONF, "GSTAT": TMC2130GSTAT, "IOIN": TMC2130IOIN,
	"IHOLD_IRUN": TMC2130IHOLDIRUN, "TPOWERDOWN": TMC2130TPOWERDOWN,
	"TSTEP": TMC2130TSTEP, "TPWMTHRS": TMC2130TPWMTHRS,
	"TCOOLTHRS": TMC2130TCOOLTHRS, "THIGH": TMC2130THIGH,
	"MSCNT": TMC2130MSCNT, "CHOPCONF": TMC2130CHOPCONF,
	"COOLCONF": TMC2130COOLCONF, "DRV_STATUS": TMC2130DRVSTATUS,
	"PWMCONF": TMC2130PWMCONF, "PWM_SCALE": TMC2130PWMSCALE,
}

var tmc2130Fields = map[string]map[string]uint32{
	"GCONF": {
		"i_scale_analog":      1 << 0,
		"internal_rsense":     1 << 1,
		"en_pwm_mode":         1 << 2,
		"enc_commutation":     1 << 3,
		"shaft":               1 << 4,
		"diag0_error":         1 << 5,
		"diag0_otpw":          1 << 6,
		"diag0_stall":         1 << 7,
		"diag1_stall":         1 << 8,
		"diag1_index":         1 << 9,
		"diag1_onstate":       1 << 10,
		"diag1_steps_skipped": 1 << 11,
		"diag0_int_pushpull":  1 << 12,
		"diag1_pushpull":      1 << 13,
		"small_hysteresis":    1 << 14,
		"stop_enable":         1 << 15,
		"direct_mode":         1 << 16,
	},
	"GSTAT": {
		"reset":   1 << 0,
		"drv_err": 1 << 1,
		"uv_cp":   1 << 2,
	},
	"IOIN": {
		"step":         1 << 0,
		"dir":          1 << 1,
		"dcen_cfg4":    1 << 2,
		"dcin_cfg5":    1 << 3,
		"drv_enn_cfg6": 1 << 4,
		"dco":          1 << 5,
		"version":      0xff << 24,
	},
	"IHOLD_IRUN": {
		"ihold":      0x1f << 0,
		"irun":       0x1f << 8,
		"iholddelay": 0x0f << 16,
	},
	"TPOWERDOWN": {"tpowerdown": 0xff},
	"TSTEP":      {"tstep": 0xfffff},
	"TPWMTHRS":   {"tpwmthrs": 0xfffff},
	"TCOOLTHRS":  {"tcoolthrs": 0xfffff},
	"THIGH":      {"thigh": 0xfffff},
	"MSCNT":      {"mscnt": 0x3ff},
	"CHOPCONF": {
		"toff":     0x0f << 0,
		"hstrt":    0x07 << 4,
		"hend":     0x0f << 7,
		"fd3":      1 << 11,
		"disfdcc":  1 << 12,
		"rndtf":    1 << 13,
		"chm":      1 << 14,
		"tbl":      0x03 << 15,
		"vsense":   1 << 17,
		"vhighfs":  1 << 18,
		"vhighchm": 1 << 19,
		"sync":     0x0f << 20,
		"mres":     0x0f << 24,
		"intpol":   1 << 28,
		"dedge":    1 << 29,
		"diss2g":   1 << 30,
	},
	"COOLCONF": {
		"semin":  0x0f << 0,
		"seup":   0x03 << 5,
		"semax":  0x0f << 8,
		"sedn":   0x03 << 13,
		"seimin": 1 << 15,
		"sgt":    0x7f << 16,
		"sfilt":  1 << 24,
	},
	"DRV_STATUS": {
		"sg_result":  0x3ff << 0,
		"fsactive":   1 << 15,
		"cs_actual":  0x1f << 16,
		"stallguard": 1 << 24,
		"ot":         1 << 25,
		"otpw":       1 << 26,
		"s2ga":       1 << 27,
		"s2gb":       1 << 28,
		"ola":        1 << 29,
		"olb":        1 << 30,
		"stst":       1 << 31,
	},
	"PWMCONF": {
		"pwm_ampl":      0xff << 0,
		"pwm_grad":      0xff << 8,
		"pwm_freq":      0x03 << 16,
		"pwm_autoscale": 1 << 18,
		"pwm_symmetric": 1 << 19,
		"freewheel":     0x03 << 20,
	},
	"PWM_SCALE": {"pwm_scale": 0xff},
}

// TMC2208/TMC2209 register addresses.
const (
	TMC220xGCONF      = 0x00
	TMC220xGSTAT      = 0x01
	TMC220xIFCNT      = 0x02
	TMC220xIOIN       = 0x06
	TMC220xIHOLDIRUN  = 0x10
	TMC220xTPOWERDOWN = 0x11
	TMC220xTSTEP      = 0x12
	TMC220xTPWMTHRS   = 0x13
	TMC220xTCOOLTHRS  = 0x14
	TMC220xSGTHRS     = 0x40
	TMC220xSGRESULT   = 0x41
	TMC220xCOOLCONF   = 0x42
	TMC220xMSCNT      = 0x6A
	TMC220xCHOPCONF   = 0x6C
	TMC220xDRVSTATUS  = 0x6F
	TMC220xPWMCONF    = 0x70
	TMC220xPWMSCALE   = 0x71
)

var tmc220xRegisters = map[string]uint8{
	"GCONF": TMC220xGCONF, "GSTAT": TMC220xGSTAT, "IFCNT": TMC220xIFCNT,
	"IOIN": TMC220xIOIN, "IHOLD_IRUN": TMC220xIHOLDIRUN,
	"TPOWERDOWN": TMC220xTPOWERDOWN, "TSTEP": TMC220xTSTEP,
	"TPWMTHRS": TMC220xTPWMTHRS, "TCOOLTHRS": TMC220xTCOOLTHRS,
	"SGTHRS": TMC220xSGTHRS, "SG_RESULT": TMC220xSGRESULT,
	"COOLCONF": TMC220xCOOLCONF, "MSCNT": TMC220xMSCNT,
	"CHOPCONF": TMC220xCHOPCONF, "DRV_STATUS": TMC220xDRVSTATUS,
	"PWMCONF": TMC220xPWMCONF, "PWM_SCALE": TMC220xPWMSCALE,
}

var tmc220xFields = map[string]map[string]uint32{
	"GCONF": {
		"i_scale_analog":   1 << 0,
		"internal_rsense":  1 << 1,
		"en_spreadcycle":   1 << 2,
		"shaft":            1 << 3,
		"index_otpw":       1 << 4,
		"index_step":       1 << 5,
		"pdn_disable":      1 << 6,
		"mstep_reg_select": 1 << 7,
		"multistep_filt":   1 << 8,
	},
	"GSTAT": {
		"reset":   1 << 0,
		"drv_err": 1 << 1,
		"uv_cp":   1 << 2,
	},
	"IFCNT": {"ifcnt": 0xff},
	"IOIN": {
		"enn":      1 << 0,
		"ms1":      1 << 2,
		"ms2":      1 << 3,
		"diag":     1 << 4,
		"pdn_uart": 1 << 6,
		"step":     1 << 7,
		"sel_a":    1 << 8,
		"dir":      1 << 9,
		"version":  0xff << 24,
	},
	"IHOLD_IRUN": {
		"ihold":      0x1f << 0,
		"irun":       0x1f << 8,
		"iholddelay": 0x0f << 16,
	},
	"TPOWERDOWN": {"tpowerdown": 0xff},
	"TSTEP":      {"tstep": 0xfffff},
	"TPWMTHRS":   {"tpwmthrs": 0xfffff},
	"TCOOLTHRS":  {"tcoolthrs": 0xfffff},
	"SGTHRS":     {"sgthrs": 0xff},
	"SG_RESULT":  {"sg_result": 0x3ff},
	"COOLCONF": {
		"semin":  0x0f << 0,
		"seup":   0x03 << 5,
		"semax":  0x0f << 8,
		"sedn":   0x03 << 13,
		"seimin": 1 << 15,
	},
	"MSCNT": {"mscnt": 0x3ff},
	"CHOPCONF": {
		"toff":    0x0f << 0,
		"hstrt":   0x07 << 4,
		"hend":    0x0f << 7,
		"tbl":     0x03 << 15,
		"vsense":  1 << 17,
		"mres":    0x0f << 24,
		"intpol":  1 << 28,
		"dedge":   1 << 29,
		"diss2g":  1 << 30,
		"diss2vs": 1 << 31,
	},
	"DRV_STATUS": {
		"otpw":      1 << 0,
		"ot":        1 << 1,
		"s2ga":      1 << 2,
		"s2gb":      1 << 3,
		"s2vsa":     1 << 4,
		"s2vsb":     1 << 5,
		"ola":       1 << 6,
		"olb":       1 << 7,
		"t120":      1 << 8,
		"t143":      1 << 9,
		"t150":      1 << 10,
		"t157":      1 << 11,
		"cs_actual": 0x1f << 16,
		"stealth":   1 << 30,
		"stst":      1 << 31,
	},
	"PWMCONF": {
		"pwm_ofs":       0xff << 0,
		"pwm_grad":      0xff << 8,
		"pwm_freq":      0x03 << 16,
		"pwm_autoscale": 1 << 18,
		"pwm_autograd":  1 << 19,
		"freewheel":     0x03 << 20,
		"pwm_reg":       0x0f << 24,
		"pwm_lim":       0x0f << 28,
	},
	"PWM_SCALE": {
		"pwm_scale_sum":  0xff << 0,
		"pwm_scale_auto": 0x1ff << 16,
	},
}

// TMC2660 register addresses. The chip is write-only; every write
// returns the status word selected by DRVCONF.rdsel.
const (
	TMC2660DRVCTRL  = 0x0
	TMC2660CHOPCONF = 0x8
	TMC2660SMARTEN  = 0xA
	TMC2660SGCSCONF = 0xC
	TMC2660DRVCONF  = 0xE
)

var tmc2660Registers = map[string]uint8{
	"DRVCTRL": TMC2660DRVCTRL, "CHOPCONF": TMC2660CHOPCONF,
	"SMARTEN": TMC2660SMARTEN, "SGCSCONF": TMC2660SGCSCONF,
	"DRVCONF": TMC2660DRVCONF,
}

var tmc2660Fields = map[string]map[string]uint32{
	"DRVCTRL": {
		"mres":   0x0f << 0,
		"dedge":  1 << 8,
		"intpol": 1 << 9,
	},
	"CHOPCONF": {
		"toff":  0x0f << 0,
		"hstrt": 0x07 << 4,
		"hend":  0x0f << 7,
		"hdec":  0x03 << 11,
		"rndtf": 1 << 13,
		"chm":   1 << 14,
		"tbl":   0x03 << 15,
	},
	"SMARTEN": {
		"semin":  0x0f << 0,
		"seup":   0x03 << 5,
		"semax":  0x0f << 8,
		"sedn":   0x03 << 13,
		"seimin": 1 << 15,
	},
	"SGCSCONF": {
		"cs":    0x1f << 0,
		"sgt":   0x7f << 8,
		"sfilt": 1 << 16,
	},
	"DRVCONF": {
		"rdsel":  0x03 << 4,
		"vsense": 1 << 6,
		"sdoff":  1 << 7,
		"ts2g":   0x03 << 8,
		"diss2g": 1 << 10,
		"slpl":   0x03 << 12,
		"slph":   0x03 << 14,
		"tst":    1 << 16,
	},
	// Response word with rdsel = 1.
	"READRSP": {
		"stallguard": 1 << 0,
		"ot":         1 << 1,
		"otpw":       1 << 2,
		"s2ga":       1 << 3,
		"s2gb":       1 << 4,
		"ola":        1 << 5,
		"olb":        1 << 6,
		"stst":       1 << 7,
		"sg_result":  0x3ff << 10,
	},
}

// L64XX commands.
const (
	L64XXSetParam    = 0x00
	L64XXGetParam    = 0x20
	L64XXSoftHiZ     = 0xA0
	L64XXHardHiZ     = 0xA8
	L64XXResetDevice = 0xC0
	L64XXGetStatus   = 0xD0
)

// L6470 parameter addresses. L6474 and L6480 reuse most of them.
const (
	L64XXABSPOS   = 0x01
	L64XXELPOS    = 0x02
	L64XXMARK     = 0x03
	L64XXSPEED    = 0x04
	L64XXACC      = 0x05
	L64XXDEC      = 0x06
	L64XXMAXSPEED = 0x07
	L64XXMINSPEED = 0x08
	L64XXKVALHOLD = 0x09
	L64XXKVALRUN  = 0x0A
	L64XXKVALACC  = 0x0B
	L64XXKVALDEC  = 0x0C
	L64XXINTSPEED = 0x0D
	L64XXSTSLP    = 0x0E
	L64XXFNSLPACC = 0x0F
	L64XXFNSLPDEC = 0x10
	L64XXKTHERM   = 0x11
	L64XXADCOUT   = 0x12
	L64XXOCDTH    = 0x13
	L64XXSTALLTH  = 0x14
	L64XXFSSPD    = 0x15
	L64XXSTEPMODE = 0x16
	L64XXALARMEN  = 0x17
	L6470CONFIG   = 0x18
	L6470STATUS   = 0x19
	L6474TVAL     = 0x09
	L6474TFAST    = 0x0E
	L6474TONMIN   = 0x0F
	L6474TOFFMIN  = 0x10
	L6480GATECFG1 = 0x18
	L6480GATECFG2 = 0x19
	L6480CONFIG   = 0x1A
	L6480STATUS   = 0x1B
)

// l64xxParam describes one dSPIN parameter: address and transfer length.
type l64xxParam struct {
	addr  uint8
	bytes int
}

var l6470Params = map[string]l64xxParam{
	"ABS_POS": {L64XXABSPOS, 3}, "EL_POS": {L64XXELPOS, 2},
	"MARK": {L64XXMARK, 3}, "SPEED": {L64XXSPEED, 3},
	"ACC": {L64XXACC, 2}, "DEC": {L64XXDEC, 2},
	"MAX_SPEED": {L64XXMAXSPEED, 2}, "MIN_SPEED": {L64XXMINSPEED, 2},
	"KVAL_HOLD": {L64XXKVALHOLD, 1}, "KVAL_RUN": {L64XXKVALRUN, 1},
	"KVAL_ACC": {L64XXKVALACC, 1}, "KVAL_DEC": {L64XXKVALDEC, 1},
	"INT_SPEED": {L64XXINTSPEED, 2}, "ST_SLP": {L64XXSTSLP, 1},
	"FN_SLP_ACC": {L64XXFNSLPACC, 1}, "FN_SLP_DEC": {L64XXFNSLPDEC, 1},
	"K_THERM": {L64XXKTHERM, 1}, "ADC_OUT": {L64XXADCOUT, 1},
	"OCD_TH": {L64XXOCDTH, 1}, "STALL_TH": {L64XXSTALLTH, 1},
	"FS_SPD": {L64XXFSSPD, 2}, "STEP_MODE": {L64XXSTEPMODE, 1},
	"ALARM_EN": {L64XXALARMEN, 1}, "CONFIG": {L6470CONFIG, 2},
	"STATUS": {L6470STATUS, 2},
}

var l6474Params = map[string]l64xxParam{
	"ABS_POS": {L64XXABSPOS, 3}, "EL_POS": {L64XXELPOS, 2},
	"MARK": {L64XXMARK, 3}, "TVAL": {L6474TVAL, 1},
	"T_FAST": {L6474TFAST, 1}, "TON_MIN": {L6474TONMIN, 1},
	"TOFF_MIN": {L6474TOFFMIN, 1}, "ADC_OUT": {L64XXADCOUT, 1},
	"OCD_TH": {L64XXOCDTH, 1}, "STEP_MODE": {L64XXSTEPMODE, 1},
	"ALARM_EN": {L64XXALARMEN, 1}, "CONFIG": {L6470CONFIG, 2},
	"STATUS": {L6470STATUS, 2},
}

var l6480Params = map[string]l64xxParam{
	"ABS_POS": {L64XXABSPOS, 3}, "EL_POS": {L64XXELPOS, 2},
	"MARK": {L64XXMARK, 3}, "SPEED": {L64XXSPEED, 3},
	"ACC": {L64XXACC, 2}, "DEC": {L64XXDEC, 2},
	"MAX_SPEED": {L64XXMAXSPEED, 2}, "MIN_SPEED": {L64XXMINSPEED, 2},
	"KVAL_HOLD": {L64XXKVALHOLD, 1}, "KVAL_RUN": {L64XXKVALRUN, 1},
	"KVAL_ACC": {L64XXKVALACC, 1}, "KVAL_DEC": {L64XXKVALDEC, 1},
	"INT_SPEED": {L64XXINTSPEED, 2}, "ST_SLP": {L64XXSTSLP, 1},
	"FN_SLP_ACC": {L64XXFNSLPACC, 1}, "FN_SLP_DEC": {L64XXFNSLPDEC, 1},
	"K_THERM": {L64XXKTHERM, 1}, "ADC_OUT": {L64XXADCOUT, 1},
	"OCD_TH": {L64XXOCDTH, 1}, "STALL_TH": {L64XXSTALLTH, 1},
	"FS_SPD": {L64XXFSSPD, 2}, "STEP_MODE": {L64XXSTEPMODE, 1},
	"ALARM_EN": {L64XXALARMEN, 1}, "GATECFG1": {L6480GATECFG1, 2},
	"GATECFG2": {L6480GATECFG2, 1}, "CONFIG": {L6480CONFIG, 2},
	"STATUS": {L6480STATUS, 2},
}

var l6470Fields = map[string]map[string]uint32{
	"KVAL_HOLD": {"kval_hold": 0xff},
	"KVAL_RUN":  {"kval_run": 0xff},
	"OCD_TH":    {"ocd_th": 0x0f},
	"STALL_TH":  {"stall_th": 0x7f},
	"STEP_MODE": {"step_sel": 0x07, "sync_sel": 0x07 << 4, "sync_en": 1 << 7},
	"ALARM_EN":  {"alarm_en": 0xff},
	"CONFIG": {
		"osc_sel":   0x0f,
		"sw_mode":   1 << 4,
		"en_vscomp": 1 << 5,
		"oc_sd":     1 << 7,
		"pow_sr":    0x03 << 8,
		"f_pwm_dec": 0x07 << 10,
		"f_pwm_int": 0x07 << 13,
	},
	"STATUS": {
		"hiz":         1 << 0,
		"busy":        1 << 1,
		"sw_f":        1 << 2,
		"sw_evn":      1 << 3,
		"dir":         1 << 4,
		"mot_status":  0x03 << 5,
		"notperf_cmd": 1 << 7,
		"wrong_cmd":   1 << 8,
		"uvlo":        1 << 9,
		"th_wrn":      1 << 10,
		"th_sd":       1 << 11,
		"ocd":         1 << 12,
		"step_loss_a": 1 << 13,
		"step_loss_b": 1 << 14,
		"sck_mod":     1 << 15,
	},
}

var l6474Fields = map[string]map[string]uint32{
	"TVAL":      {"tval": 0x7f},
	"OCD_TH":    {"ocd_th": 0x0f},
	"STEP_MODE": {"step_sel": 0x07, "sync_sel": 0x07 << 4},
	"ALARM_EN":  {"alarm_en": 0xff},
	"CONFIG": {
		"osc_sel":  0x0f,
		"en_tqreg": 1 << 5,
		"oc_sd":    1 << 7,
		"pow_sr":   0x03 << 8,
		"toff":     0x1f << 10,
	},
	"STATUS": {
		"hiz":         1 << 0,
		"dir":         1 << 4,
		"notperf_cmd": 1 << 7,
		"wrong_cmd":   1 << 8,
		"uvlo":        1 << 9,
		"th_wrn":      1 << 10,
		"th_sd":       1 << 11,
		"ocd":         1 << 12,
	},
}

var l6480Fields = map[string]map[string]uint32{
	"KVAL_HOLD": {"kval_hold": 0xff},
	"KVAL_RUN":  {"kval_run": 0xff},
	"OCD_TH":    {"ocd_th": 0x1f},
	"STALL_TH":  {"stall_th": 0x1f},
	"STEP_MODE": {"step_sel": 0x07, "cm_vm": 1 << 3, "sync_sel": 0x07 << 4, "sync_en": 1 << 7},
	"ALARM_EN":  {"alarm_en": 0xff},
	"GATECFG1":  {"tcc": 0x1f, "igate": 0x07 << 5, "tboost": 0x07 << 8, "wd_en": 1 << 11},
	"GATECFG2":  {"tdt": 0x1f, "tblank": 0x07 << 5},
	"CONFIG": {
		"osc_sel":   0x0f,
		"sw_mode":   1 << 4,
		"en_vscomp": 1 << 5,
		"oc_sd":     1 << 7,
		"uvloval":   1 << 8,
		"vccval":    1 << 9,
		"f_pwm_dec": 0x07 << 10,
		"f_pwm_int": 0x07 << 13,
	},
	"STATUS": {
		"hiz":         1 << 0,
		"busy":        1 << 1,
		"sw_f":        1 << 2,
		"sw_evn":      1 << 3,
		"dir":         1 << 4,
		"mot_status":  0x03 << 5,
		"cmd_error":   1 << 7,
		"stck_mod":    1 << 8,
		"uvlo":        1 << 9,
		"uvlo_adc":    1 << 10,
		"th_wrn":      1 << 11,
		"th_sd":       1 << 12,
		"ocd":         1 << 13,
		"step_loss_b": 1 << 14,
		"step_loss_a": 1 << 15,
	},
}

// registerMap bundles the per-family register tables.
type registerMap struct {
	fields    map[string]map[string]uint32
	signed    []string
	addrs     map[string]uint8
	lengths   map[uint8]int // dSPIN parameter lengths in bytes
	dump      []string      // register dump order
	status    string
	writeOnly bool
}

func paramTables(params map[string]l64xxParam) (map[string]uint8, map[uint8]int) {
	addrs := make(map[string]uint8, len(params))
	lengths := make(map[uint8]int, len(params))
	for name, p := range params {
		addrs[name] = p.addr
		lengths[p.addr] = p.bytes
	}
	return addrs, lengths
}

var registerMaps = map[Family]*registerMap{}

func init() {
	registerMaps[FamilyTMC2130] = &registerMap{
		fields: tmc2130Fields,
		signed: []string{"sgt"},
		addrs:  tmc2130Registers,
		dump: []string{"GCONF", "IHOLD_IRUN", "GSTAT", "IOIN", "TPOWERDOWN",
			"TSTEP", "TPWMTHRS", "TCOOLTHRS", "THIGH", "CHOPCONF",
			"COOLCONF", "PWMCONF", "PWM_SCALE", "DRV_STATUS"},
		status: "DRV_STATUS",
	}
	registerMaps[FamilyTMC220x] = &registerMap{
		fields: tmc220xFields,
		signed: []string{"pwm_scale_auto"},
		addrs:  tmc220xRegisters,
		dump: []string{"GCONF", "IHOLD_IRUN", "GSTAT", "IOIN", "TPOWERDOWN",
			"TSTEP", "TPWMTHRS", "TCOOLTHRS", "CHOPCONF", "COOLCONF",
			"PWMCONF", "PWM_SCALE", "DRV_STATUS"},
		status: "DRV_STATUS",
	}
	registerMaps[FamilyTMC2660] = &registerMap{
		fields:    tmc2660Fields,
		signed:    []string{"sgt"},
		addrs:     tmc2660Registers,
		dump:      []string{"DRVCONF", "DRVCTRL", "CHOPCONF", "DRVSTATUS", "SGCSCONF", "SMARTEN"},
		status:    "DRVCONF",
		writeOnly: true,
	}
	for fam, tbl := range map[Family]struct {
		params map[string]l64xxParam
		fields map[string]map[string]uint32
		dump   []string
	}{
		FamilyL6470: {l6470Params, l6470Fields, []string{"STATUS", "CONFIG", "KVAL_HOLD", "KVAL_RUN", "OCD_TH", "STALL_TH", "STEP_MODE", "ALARM_EN"}},
		FamilyL6474: {l6474Params, l6474Fields, []string{"STATUS", "CONFIG", "TVAL", "OCD_TH", "STEP_MODE", "ALARM_EN"}},
		FamilyL6480: {l6480Params, l6480Fields, []string{"STATUS", "CONFIG", "GATECFG1", "GATECFG2", "KVAL_HOLD", "KVAL_RUN", "OCD_TH", "STALL_TH", "STEP_MODE", "ALARM_EN"}},
	} {
		addrs, lengths := paramTables(tbl.params)
		registerMaps[fam] = &registerMap{
			fields:  tbl.fields,
			addrs:   addrs,
			lengths: lengths,
			dump:    tbl.dump,
			status:  "STATUS",
		}
	}
}

// ParamLength returns the transfer length in bytes of a dSPIN parameter,
// or 0 when the address is unknown for the family.
func ParamLength(f Family, addr uint8) int {
	rm, ok := registerMaps[f]
	if !ok || rm.lengths == nil {
		return 0
	}
	return rm.lengths[addr]
}

// RegisterAddress looks up a register by name for a family.
func RegisterAddress(f Family, name string) (uint8, bool) {
	rm, ok := registerMaps[f]
	if !ok {
		return 0, false
	}
	addr, ok := rm.addrs[name]
	return addr, ok
}

// StatusRegister returns the address polled for the status word.
func StatusRegister(f Family) uint8 {
	rm := registerMaps[f]
	return rm.addrs[rm.status]
}
